package sqlstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bobmcallan/taskqueue/internal/common"
	"github.com/bobmcallan/taskqueue/internal/queue"
	"github.com/bobmcallan/taskqueue/internal/queue/conformance"
	"github.com/bobmcallan/taskqueue/internal/queue/sqlstore"
)

// startPostgres brings up a disposable Postgres instance for the duration
// of one test and returns a DSN that reaches it.
func startPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "queue",
			"POSTGRES_PASSWORD": "queue",
			"POSTGRES_DB":       "queue",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start Postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Postgres container host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("Postgres container port: %v", err)
	}

	return fmt.Sprintf("postgres://queue:queue@%s:%s/queue?sslmode=disable", host, mappedPort.Port())
}

// TestStore_Integration_Conformance runs the shared storage conformance
// suite against a real Postgres instance. Disabled by default since it
// needs a working Docker daemon; set TASKQUEUE_TEST_DOCKER=true to run it.
func TestStore_Integration_Conformance(t *testing.T) {
	if os.Getenv("TASKQUEUE_TEST_DOCKER") != "true" {
		t.Skip("Docker-backed tests disabled (set TASKQUEUE_TEST_DOCKER=true to enable)")
	}

	dsn := startPostgres(t)

	conformance.Run(t, func(t *testing.T) queue.Storage {
		// Each subtest gets its own queue name so that rows left behind in
		// the shared table by earlier subtests can't leak in.
		queueName := "conformance:" + t.Name()
		store, err := sqlstore.New(common.NewSilentLogger(), sqlstore.Config{DSN: dsn}, queueName, nil)
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
