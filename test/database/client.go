// Package database provides ready-to-use database clients for integration tests.
package database

import (
	"context"
	"testing"

	"github.com/crewline/foreman/pkg/database"
	"github.com/crewline/foreman/test/util"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a migrated database client scoped to a per-test
// schema. In CI (when CI_DATABASE_URL is set) it connects to an external
// PostgreSQL service container; locally it uses a shared testcontainer.
// Cleanup closes the pool and drops the schema.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	connStr := util.CreateTestSchema(t)

	client, err := database.NewClientFromConnString(context.Background(), connStr)
	require.NoError(t, err)

	t.Cleanup(client.Close)

	return client
}
