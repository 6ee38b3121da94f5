package presence

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/tandem/internal/protocol"
	"github.com/pliu/tandem/internal/ws"
)

type stubPeer struct {
	id     string
	mu     sync.Mutex
	frames []string
}

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, string(frame))
	return true
}

func (p *stubPeer) Close() {}

func (p *stubPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// redisClient connects to TANDEM_TEST_REDIS (host:port) or skips.
func redisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("TANDEM_TEST_REDIS")
	if addr == "" {
		t.Skip("TANDEM_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func quiet() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestFanoutAcrossInstances(t *testing.T) {
	rdb := redisClient(t)
	opts := Options{Prefix: "tandem-test-" + uuid.NewString()[:8], TTL: 30 * time.Second}

	hubA, hubB := ws.NewHub(quiet()), ws.NewHub(quiet())
	a := New(hubA, rdb, opts, quiet())
	b := New(hubB, rdb, opts, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)
	// Let both subscriptions settle.
	time.Sleep(200 * time.Millisecond)

	bobOnB := &stubPeer{id: "bob-1"}
	b.Join("bob", bobOnB)

	assert.Equal(t, 1, a.EmitTo("bob", protocol.PartnerTyping{}), "remote peer counted")
	require.Eventually(t, func() bool { return bobOnB.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	aliceOnA := &stubPeer{id: "alice-1"}
	a.Join("alice", aliceOnA)
	assert.Equal(t, 1, a.EmitTo("alice", protocol.PartnerTyping{}))
	assert.Equal(t, 1, aliceOnA.count())

	b.Leave("bob", bobOnB)
	assert.Equal(t, 0, a.EmitTo("bob", protocol.PartnerStopTyping{}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, bobOnB.count())
}
