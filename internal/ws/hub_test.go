package ws

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/pliu/tandem/internal/protocol"
)

type stubPeer struct {
	id  string
	cap int

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) Send(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || (p.cap > 0 && len(p.frames) >= p.cap) {
		return false
	}
	p.frames = append(p.frames, frame)
	return true
}

func (p *stubPeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *stubPeer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestHubEmitReachesEveryPeer(t *testing.T) {
	hub := NewHub(testLogger())
	laptop := &stubPeer{id: "laptop"}
	phone := &stubPeer{id: "phone"}
	other := &stubPeer{id: "other"}
	hub.Join("alice", laptop)
	hub.Join("alice", phone)
	hub.Join("alice", phone)
	hub.Join("bob", other)

	assert.Equal(t, 2, hub.Count("alice"))
	assert.Equal(t, 2, hub.EmitTo("alice", protocol.MessageDelivered{MessageID: "m1"}))
	assert.Equal(t, 1, laptop.count())
	assert.Equal(t, 1, phone.count())
	assert.Equal(t, 0, other.count())

	assert.JSONEq(t, `{"event":"message_delivered","data":{"messageId":"m1"}}`, string(laptop.frames[0]))
}

func TestHubEmitToNobody(t *testing.T) {
	hub := NewHub(testLogger())
	assert.Equal(t, 0, hub.EmitTo("ghost", protocol.PartnerTyping{}))
	hub.Leave("ghost", &stubPeer{id: "x"})
	assert.Empty(t, hub.Users())
}

func TestHubLeave(t *testing.T) {
	hub := NewHub(testLogger())
	a, b := &stubPeer{id: "a"}, &stubPeer{id: "b"}
	hub.Join("alice", a)
	hub.Join("alice", b)

	hub.Leave("alice", a)
	assert.Equal(t, 1, hub.EmitTo("alice", protocol.PartnerTyping{}))
	assert.Equal(t, 0, a.count())

	hub.Leave("alice", b)
	assert.Equal(t, 0, hub.Count("alice"))
	assert.NotContains(t, hub.Users(), "alice")
}

func TestHubDropsSlowPeer(t *testing.T) {
	hub := NewHub(testLogger())
	slow := &stubPeer{id: "slow", cap: 1}
	fast := &stubPeer{id: "fast"}
	hub.Join("alice", slow)
	hub.Join("alice", fast)

	assert.Equal(t, 2, hub.EmitTo("alice", protocol.PartnerTyping{}))
	assert.Equal(t, 1, hub.EmitTo("alice", protocol.PartnerStopTyping{}))

	assert.True(t, slow.closed)
	assert.Equal(t, 1, hub.Count("alice"))
	assert.Equal(t, 1, hub.EmitTo("alice", protocol.PartnerTyping{}))
	assert.Equal(t, 3, fast.count())
}

func TestHubConcurrentUse(t *testing.T) {
	hub := NewHub(testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := &stubPeer{id: "p"}
			hub.Join("alice", p)
			hub.EmitTo("alice", protocol.PartnerTyping{})
			hub.Leave("alice", p)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Count("alice"))
}
