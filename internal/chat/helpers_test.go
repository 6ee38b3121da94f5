package chat

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/pliu/tandem/internal/cryptobox"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/protocol"
	"github.com/pliu/tandem/internal/store"
	"github.com/pliu/tandem/internal/store/sqlstore"
)

type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []protocol.Outbound
	closed bool
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(frame []byte) bool {
	ev, err := protocol.DecodeOutbound(frame)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.frames = append(p.frames, ev)
	return true
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *fakePeer) received() []protocol.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Outbound(nil), p.frames...)
}

func (p *fakePeer) last() protocol.Outbound {
	frames := p.received()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

// memRegistry is a minimal Registry for exercising sessions.
type memRegistry struct {
	mu    sync.Mutex
	peers map[string]map[Peer]struct{}
}

func newMemRegistry() *memRegistry {
	return &memRegistry{peers: make(map[string]map[Peer]struct{})}
}

func (r *memRegistry) Join(userID string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peers[userID] == nil {
		r.peers[userID] = make(map[Peer]struct{})
	}
	r.peers[userID][p] = struct{}{}
}

func (r *memRegistry) Leave(userID string, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers[userID], p)
}

func (r *memRegistry) EmitTo(userID string, ev protocol.Outbound) int {
	frame, err := protocol.Encode(ev)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for p := range r.peers[userID] {
		if p.Send(frame) {
			n++
		}
	}
	return n
}

type fixture struct {
	t     *testing.T
	store *sqlstore.SQLStore
	reg   *memRegistry
	svc   *Service

	alice, bob, carol *models.User
	aliceKeys, bobKeys *cryptobox.KeyPair
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newFixture(t *testing.T, policy DeliveryPolicy) *fixture {
	return newFixtureWithStore(t, policy, nil)
}

// newFixtureWithStore seeds alice and bob as partners and carol alone. wrap,
// when set, decorates the store the service sees.
func newFixtureWithStore(t *testing.T, policy DeliveryPolicy, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	st, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	f := &fixture{
		t:     t,
		store: st,
		reg:   newMemRegistry(),
		alice: &models.User{ID: "alice", Name: "Alice", PartnerID: "bob"},
		bob:   &models.User{ID: "bob", Name: "Bob", PartnerID: "alice"},
		carol: &models.User{ID: "carol", Name: "Carol"},
	}
	for _, u := range []*models.User{f.alice, f.bob, f.carol} {
		require.NoError(t, st.CreateUser(ctx, &models.User{ID: u.ID, Name: u.Name}))
	}
	require.NoError(t, st.LinkPartners(ctx, "alice", "bob"))

	f.aliceKeys, err = cryptobox.GenerateKeyPair()
	require.NoError(t, err)
	f.bobKeys, err = cryptobox.GenerateKeyPair()
	require.NoError(t, err)

	var svcStore store.Store = st
	if wrap != nil {
		svcStore = wrap(st)
	}
	f.svc = NewService(svcStore, f.reg, nil, Config{Policy: policy, TypingTimeout: time.Minute}, quietLog())
	t.Cleanup(f.svc.Close)
	return f
}

// connect opens an authenticated, identified session for user.
func (f *fixture) connect(user *models.User, connID string) (*Session, *fakePeer) {
	f.t.Helper()
	peer := &fakePeer{id: connID}
	sess := f.svc.NewSession(peer)
	require.NoError(f.t, sess.Authenticate(user))
	require.NoError(f.t, sess.Handle(context.Background(), protocol.Identify{UserID: user.ID}))
	return sess, peer
}

// message builds a real envelope from sender to recipient.
func (f *fixture) message(id string, from *cryptobox.KeyPair, to *cryptobox.KeyPair, fromID, toID, text string) models.Message {
	f.t.Helper()
	env, err := cryptobox.EncryptString(text, to.PublicKeyString(), &from.Private)
	require.NoError(f.t, err)
	return models.Message{
		ID:               id,
		SenderID:         fromID,
		RecipientID:      toID,
		EncryptedContent: env,
		SenderPublicKey:  from.PublicKeyString(),
		Timestamp:        time.Now(),
	}
}

func (f *fixture) statusOf(id string) models.Status {
	f.t.Helper()
	msgs, err := f.store.History(context.Background(), "alice", "bob")
	require.NoError(f.t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m.Status
		}
	}
	f.t.Fatalf("message %s not found", id)
	return ""
}

func errorText(ev protocol.Outbound) string {
	if e, ok := ev.(protocol.ErrorEvent); ok {
		return e.Message
	}
	return ""
}
