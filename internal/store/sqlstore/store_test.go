package sqlstore

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/pliu/tandem/internal/models"
)

var testStore *SQLStore

func SetupTestDB(t *testing.T) {
	var err error
	testStore, err = New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.db.Close()
}

func seedPair(t *testing.T, a, b string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, testStore.CreateUser(ctx, &models.User{ID: a, Name: a + "-name"}))
	require.NoError(t, testStore.CreateUser(ctx, &models.User{ID: b, Name: b + "-name"}))
	require.NoError(t, testStore.LinkPartners(ctx, a, b))
}
