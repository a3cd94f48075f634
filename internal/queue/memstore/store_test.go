package memstore_test

import (
	"testing"

	"github.com/bobmcallan/taskqueue/internal/queue"
	"github.com/bobmcallan/taskqueue/internal/queue/conformance"
	"github.com/bobmcallan/taskqueue/internal/queue/memstore"
)

func TestStore_Conformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) queue.Storage {
		return memstore.New("conformance:task", nil)
	})
}

func TestStore_ScopesByPrefix(t *testing.T) {
	acme := memstore.New("tenant:task", map[string]string{"tenant": "acme"})
	other := memstore.New("tenant:task", map[string]string{"tenant": "other"})

	ctx := t.Context()
	id, err := acme.Add(ctx, &queue.Job{QueueName: "tenant:task"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got, err := other.Get(ctx, id); err != nil || got != nil {
		t.Errorf("expected a store scoped to a different prefix to not see the job, got (%+v, %v)", got, err)
	}
	if got, err := acme.Get(ctx, id); err != nil || got == nil {
		t.Errorf("expected the owning store to see the job, got (%+v, %v)", got, err)
	}
}
