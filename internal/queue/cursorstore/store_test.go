package cursorstore_test

import (
	"testing"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
	"github.com/bobmcallan/taskqueue/internal/queue/conformance"
	"github.com/bobmcallan/taskqueue/internal/queue/cursorstore"
)

func TestStore_Conformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) queue.Storage {
		store, err := cursorstore.New(common.NewSilentLogger(), t.TempDir(), "conformance:task", nil)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := store.Setup(t.Context()); err != nil {
			t.Fatalf("Setup: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	})
}
