package cloudstore_test

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
	"github.com/bobmcallan/taskqueue/internal/queue/cloudstore"
	"github.com/bobmcallan/taskqueue/internal/queue/conformance"
)

// startSurrealDB brings up a disposable SurrealDB instance for the duration
// of one test and returns its RPC address.
func startSurrealDB(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "surrealdb/surrealdb:v3.0.0",
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"start", "--user", "root", "--pass", "root"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("8000/tcp"),
			wait.ForLog("Started web server"),
		).WithDeadline(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start SurrealDB container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("SurrealDB container host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "8000/tcp")
	if err != nil {
		t.Fatalf("SurrealDB container port: %v", err)
	}

	return fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port())
}

// TestStore_Integration_Conformance runs the shared storage conformance
// suite against a real SurrealDB instance. Disabled by default since it
// needs a working Docker daemon; set TASKQUEUE_TEST_DOCKER=true to run it.
func TestStore_Integration_Conformance(t *testing.T) {
	if os.Getenv("TASKQUEUE_TEST_DOCKER") != "true" {
		t.Skip("Docker-backed tests disabled (set TASKQUEUE_TEST_DOCKER=true to enable)")
	}

	address := startSurrealDB(t)

	conformance.Run(t, func(t *testing.T) queue.Storage {
		cfg := cloudstore.Config{
			Address:   address,
			Namespace: "conformance",
			Database:  "conformance",
			Username:  "root",
			Password:  "root",
		}
		// Each subtest gets its own queue name so that rows left behind in
		// the shared SCHEMALESS table by earlier subtests can't leak in.
		queueName := "conformance:" + t.Name()
		store, err := cloudstore.New(t.Context(), common.NewSilentLogger(), cfg, queueName, nil)
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
