package testutil

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/tenancy"
)

// PostgresContainer is a disposable PostgreSQL server.
type PostgresContainer struct {
	container testcontainers.Container
	Host      string
	Port      int
}

// StartPostgres starts postgres:15-alpine and waits until it accepts connections.
func StartPostgres(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "findings",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("invalid mapped port %q: %w", port.Port(), err)
	}

	return &PostgresContainer{container: container, Host: host, Port: portNum}, nil
}

// Target returns a directory target pointing at the container.
func (p *PostgresContainer) Target(name string, tenants ...string) tenancy.Target {
	return tenancy.Target{
		Name:     name,
		Driver:   database.DriverPostgres,
		Host:     p.Host,
		Port:     p.Port,
		Database: "findings",
		Username: "user",
		Password: "password",
		Tenants:  tenants,
	}
}

func (p *PostgresContainer) Terminate(ctx context.Context) error {
	return p.container.Terminate(ctx)
}
