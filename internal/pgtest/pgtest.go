package pgtest

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/pony/internal/pgprovision"
)

// Setup starts a disposable Postgres container, applies the embedded
// migrations, and returns its connection string. Callers must run teardown.
func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "postgres",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, err
	}
	teardown = func() error {
		return container.Terminate(context.Background())
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = teardown()
		return "", nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = teardown()
		return "", nil, err
	}

	connectionString = fmt.Sprintf("postgres://postgres:postgres@%s:%s/postgres", host, port.Port())
	if err = pgprovision.Setup(connectionString); err != nil {
		_ = teardown()
		return "", nil, err
	}

	return connectionString, teardown, nil
}
