package mongostore

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/store"
)

// newTestStore uses a throwaway database on TANDEM_TEST_MONGO or skips.
func newTestStore(t *testing.T) *Store {
	uri := os.Getenv("TANDEM_TEST_MONGO")
	if uri == "" {
		t.Skip("TANDEM_TEST_MONGO not set")
	}
	ctx := context.Background()
	name := "tandem_test_" + uuid.NewString()[:8]
	s, err := New(ctx, uri, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.client.Database(name).Drop(context.Background())
		s.Close()
	})
	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "a", Name: "A"}))
	require.NoError(t, s.CreateUser(ctx, &models.User{ID: "b", Name: "B"}))
	require.NoError(t, s.LinkPartners(ctx, "a", "b"))
	return s
}

func TestKeysVersioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetKey(ctx, "a")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)

	rec, err := s.RegisterKey(ctx, "a", "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.KeyVersion)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RegisterKey(ctx, "a", "k2")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err = s.GetKey(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 6, rec.KeyVersion)
	assert.Equal(t, "k2", rec.PublicKey)
}

func TestMessagesLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now()

	for _, id := range []string{"m1", "m2"} {
		_, err := s.AppendMessage(ctx, &models.Message{ID: id, SenderID: "a", RecipientID: "b",
			EncryptedContent: "ct", SenderPublicKey: "pk", Timestamp: at})
		require.NoError(t, err)
	}
	_, err := s.AppendMessage(ctx, &models.Message{ID: "m1", SenderID: "a", RecipientID: "b",
		EncryptedContent: "ct", SenderPublicKey: "pk"})
	assert.ErrorIs(t, err, store.ErrDuplicateID)

	history, err := s.History(ctx, "b", "a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "m1", history[0].ID, "insertion order breaks timestamp ties")
	assert.Equal(t, models.StatusSent, history[0].Status)

	changed, err := s.AdvanceStatus(ctx, "a", "b", "m1", models.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = s.AdvanceStatus(ctx, "a", "b", "m1", models.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = s.AdvanceStatus(ctx, "b", "a", "m1", models.StatusRead)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)

	assert.ErrorIs(t, s.DeleteMessage(ctx, "b", "a", "m2"), store.ErrMessageNotFound)
	require.NoError(t, s.DeleteMessage(ctx, "a", "b", "m2"))

	n, err := s.ClearHistory(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
