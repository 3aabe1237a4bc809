package database

import (
	"context"
	"testing"

	"github.com/crewline/foreman/pkg/database"
	"github.com/crewline/foreman/test/util"
	"github.com/stretchr/testify/require"
)

// SharedTestDB is a single PostgreSQL schema shared by multiple worker
// replicas. Each replica gets its own connection pool via NewClient, but all
// pools point to the same schema, enabling cross-replica tests that exercise
// queue claiming and LISTEN/NOTIFY event delivery.
type SharedTestDB struct {
	connStrWithSchema string
}

// NewSharedTestDB creates the shared schema and registers t.Cleanup to drop
// it. LIFO cleanup order guarantees clients close before the schema drops.
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()
	return &SharedTestDB{connStrWithSchema: util.CreateTestSchema(t)}
}

// ConnString returns the schema-scoped connection string, for components that
// need a dedicated connection (LISTEN/NOTIFY).
func (s *SharedTestDB) ConnString() string {
	return s.connStrWithSchema
}

// NewClient creates an independent *database.Client backed by a fresh
// connection pool on the shared schema. The first call applies migrations;
// later calls find them already at the current version. Each client has its
// own pool so replicas can shut down independently without races.
func (s *SharedTestDB) NewClient(t *testing.T) *database.Client {
	t.Helper()

	client, err := database.NewClientFromConnString(context.Background(), s.connStrWithSchema)
	require.NoError(t, err)

	t.Cleanup(client.Close)

	return client
}
