package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/cryptobox"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/protocol"
	"github.com/pliu/tandem/internal/store"
)

func TestSessionRequiresAuthentication(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	peer := &fakePeer{id: "c1"}
	sess := f.svc.NewSession(peer)
	assert.Equal(t, StateUnauthenticated, sess.State())

	err := sess.Handle(context.Background(), protocol.Identify{UserID: "alice"})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, "not authenticated", errorText(peer.last()))
	assert.Equal(t, 0, f.reg.EmitTo("alice", protocol.PartnerTyping{}), "no registry state before auth")

	require.NoError(t, sess.Authenticate(f.alice))
	assert.Equal(t, StateAuthenticated, sess.State())
	assert.Error(t, sess.Authenticate(f.alice))

	sess.Close()
	assert.Equal(t, StateClosed, sess.State())
	assert.ErrorIs(t, sess.Handle(context.Background(), protocol.UserTyping{}), ErrSessionClosed)
	assert.ErrorIs(t, sess.Authenticate(f.alice), ErrSessionClosed)
}

func TestIdentifyJoinsUnderAuthenticatedIdentity(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	peer := &fakePeer{id: "c1"}
	sess := f.svc.NewSession(peer)
	require.NoError(t, sess.Authenticate(f.alice))

	require.NoError(t, sess.Handle(context.Background(), protocol.Identify{UserID: "bob"}))
	require.NoError(t, sess.Handle(context.Background(), protocol.Identify{UserID: "alice"}))

	assert.Equal(t, 0, f.reg.EmitTo("bob", protocol.PartnerTyping{}))
	assert.Equal(t, 1, f.reg.EmitTo("alice", protocol.PartnerTyping{}), "identify is idempotent")

	sess.Close()
	assert.Equal(t, 0, f.reg.EmitTo("alice", protocol.PartnerTyping{}))
	sess.Close()
}

func TestKeyExchange(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	ctx := context.Background()
	aliceSess, alicePeer := f.connect(f.alice, "a1")
	bobSess, bobPeer := f.connect(f.bob, "b1")

	// Partner has not registered yet.
	require.NoError(t, bobSess.Handle(ctx, protocol.RequestPartnerKey{}))
	assert.Equal(t, protocol.PartnerKey{}, bobPeer.last())

	require.NoError(t, aliceSess.Handle(ctx, protocol.RegisterKey{UserID: "alice", PublicKey: f.aliceKeys.PublicKeyString()}))
	assert.Empty(t, alicePeer.received(), "no reply on successful registration")

	require.NoError(t, bobSess.Handle(ctx, protocol.RequestPartnerKey{PartnerID: "alice"}))
	got, ok := bobPeer.last().(protocol.PartnerKey)
	require.True(t, ok)
	require.NotNil(t, got.PublicKey)
	assert.Equal(t, f.aliceKeys.PublicKeyString(), *got.PublicKey)

	err := bobSess.Handle(ctx, protocol.RequestPartnerKey{PartnerID: "carol"})
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))
	assert.Equal(t, "keys are only shared between partners", errorText(bobPeer.last()))

	err = aliceSess.Handle(ctx, protocol.RegisterKey{UserID: "bob", PublicKey: f.bobKeys.PublicKeyString()})
	assert.Equal(t, apperr.CodePermissionDenied, apperr.CodeOf(err))

	err = aliceSess.Handle(ctx, protocol.RegisterKey{PublicKey: "short"})
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))

	carolSess, carolPeer := f.connect(f.carol, "c1")
	err = carolSess.Handle(ctx, protocol.RequestPartnerKey{})
	assert.ErrorIs(t, err, ErrNoPartner)
	assert.Equal(t, "no partner linked", errorText(carolPeer.last()))
}

func TestSendStrictDeliversToLiveRecipient(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	ctx := context.Background()
	aliceSess, alicePeer := f.connect(f.alice, "a1")
	bobSess, bobPeer := f.connect(f.bob, "b1")
	_, bobPhone := f.connect(f.bob, "b2")

	msg := f.message("m1", f.aliceKeys, f.bobKeys, "alice", "bob", "hello bob")
	require.NoError(t, aliceSess.Handle(ctx, protocol.SendMessage{Message: msg}))

	for _, p := range []*fakePeer{bobPeer, bobPhone} {
		rm, ok := p.last().(protocol.ReceiveMessage)
		require.True(t, ok)
		assert.Equal(t, models.StatusDelivered, rm.Status)
		assert.Equal(t, "Alice", rm.SenderName)
		plain, err := cryptobox.DecryptString(rm.EncryptedContent, rm.SenderPublicKey, &f.bobKeys.Private)
		require.NoError(t, err)
		assert.Equal(t, "hello bob", plain)
	}
	assert.Equal(t, protocol.MessageDelivered{MessageID: "m1"}, alicePeer.last())
	assert.Equal(t, models.StatusDelivered, f.statusOf("m1"))

	require.NoError(t, bobSess.Handle(ctx, protocol.MessageRead{MessageID: "m1"}))
	assert.Equal(t, protocol.MessageReadReceipt{MessageID: "m1"}, alicePeer.last())
	assert.Equal(t, models.StatusRead, f.statusOf("m1"))

	// A late ack never moves the status back.
	require.NoError(t, bobSess.Handle(ctx, protocol.MessageAck{MessageID: "m1"}))
	assert.Equal(t, models.StatusRead, f.statusOf("m1"))
}

func TestSendStrictWithOfflineRecipient(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	ctx := context.Background()
	aliceSess, alicePeer := f.connect(f.alice, "a1")

	msg := f.message("m1", f.aliceKeys, f.bobKeys, "alice", "bob", "are you there?")
	require.NoError(t, aliceSess.Handle(ctx, protocol.SendMessage{Message: msg}))

	assert.Empty(t, alicePeer.received(), "no delivery receipt without a live recipient")
	assert.Equal(t, models.StatusSent, f.statusOf("m1"))

	// Bob comes online, fetches history and acknowledges.
	bobSess, _ := f.connect(f.bob, "b1")
	history, err := f.svc.History(ctx, f.bob)
	require.NoError(t, err)
	require.Len(t, history, 1)
	plain, err := cryptobox.DecryptString(history[0].EncryptedContent, history[0].SenderPublicKey, &f.bobKeys.Private)
	require.NoError(t, err)
	assert.Equal(t, "are you there?", plain)

	require.NoError(t, bobSess.Handle(ctx, protocol.MessageAck{MessageID: "m1"}))
	assert.Equal(t, protocol.MessageDelivered{MessageID: "m1"}, alicePeer.last())
	assert.Equal(t, models.StatusDelivered, f.statusOf("m1"))

	alicePeer.reset()
	require.NoError(t, bobSess.Handle(ctx, protocol.MessageAck{MessageID: "m1"}))
	assert.Empty(t, alicePeer.received(), "repeated acks are silent")
}

func TestSendOptimisticLeavesLedgerAtSent(t *testing.T) {
	f := newFixture(t, DeliveryOptimistic)
	aliceSess, alicePeer := f.connect(f.alice, "a1")

	msg := f.message("m1", f.aliceKeys, f.bobKeys, "alice", "bob", "hi")
	require.NoError(t, aliceSess.Handle(context.Background(), protocol.SendMessage{Message: msg}))

	assert.Equal(t, protocol.MessageDelivered{MessageID: "m1"}, alicePeer.last())
	assert.Equal(t, models.StatusSent, f.statusOf("m1"))
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	ctx := context.Background()
	aliceSess, alicePeer := f.connect(f.alice, "a1")
	_, bobPeer := f.connect(f.bob, "b1")
	carolSess, _ := f.connect(f.carol, "c1")

	valid := f.message("m1", f.aliceKeys, f.bobKeys, "alice", "bob", "hi")
	tests := []struct {
		name   string
		sess   *Session
		mutate func(m *models.Message)
		code   apperr.Code
	}{
		{"missing ciphertext", aliceSess, func(m *models.Message) { m.EncryptedContent = "" }, apperr.CodeInvalidArgument},
		{"missing key snapshot", aliceSess, func(m *models.Message) { m.SenderPublicKey = "" }, apperr.CodeInvalidArgument},
		{"bad key snapshot", aliceSess, func(m *models.Message) { m.SenderPublicKey = "AAAA" }, apperr.CodeInvalidArgument},
		{"plaintext content", aliceSess, func(m *models.Message) { m.EncryptedContent = "hello in the clear" }, apperr.CodeInvalidArgument},
		{"missing recipient", aliceSess, func(m *models.Message) { m.RecipientID = "" }, apperr.CodeInvalidArgument},
		{"spoofed sender", aliceSess, func(m *models.Message) { m.SenderID = "bob" }, apperr.CodePermissionDenied},
		{"not the partner", aliceSess, func(m *models.Message) { m.RecipientID = "carol" }, apperr.CodePermissionDenied},
		{"no partner", carolSess, func(m *models.Message) { m.SenderID = "carol" }, apperr.CodeFailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			err := tt.sess.Handle(ctx, protocol.SendMessage{Message: m})
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}

	assert.Empty(t, bobPeer.received(), "nothing relayed for rejected messages")
	_, isErr := alicePeer.last().(protocol.ErrorEvent)
	assert.True(t, isErr)

	history, err := f.svc.History(ctx, f.alice)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, aliceSess.Handle(ctx, protocol.SendMessage{Message: valid}))
	err = aliceSess.Handle(ctx, protocol.SendMessage{Message: valid})
	assert.Equal(t, apperr.CodeAlreadyExists, apperr.CodeOf(err))
	assert.Len(t, bobPeer.received(), 1, "duplicate was not relayed")
}

// brokenLedger fails every append like an unreachable database.
type brokenLedger struct {
	store.Store
}

func (brokenLedger) AppendMessage(context.Context, *models.Message) (*models.Message, error) {
	return nil, apperr.Unavailable("storage call failed", errors.New("connection refused"))
}

func TestStorageFailurePreventsRelay(t *testing.T) {
	f := newFixtureWithStore(t, DeliveryOptimistic, func(s store.Store) store.Store { return brokenLedger{s} })
	aliceSess, alicePeer := f.connect(f.alice, "a1")
	_, bobPeer := f.connect(f.bob, "b1")

	msg := f.message("m1", f.aliceKeys, f.bobKeys, "alice", "bob", "lost?")
	err := aliceSess.Handle(context.Background(), protocol.SendMessage{Message: msg})
	assert.Equal(t, apperr.CodeUnavailable, apperr.CodeOf(err))

	assert.Empty(t, bobPeer.received())
	assert.Equal(t, []protocol.Outbound{protocol.ErrorEvent{Message: "storage unavailable, try again later"}}, alicePeer.received())
}

type panickyKeys struct {
	store.Store
}

func (panickyKeys) GetKey(context.Context, string) (*models.KeyRecord, error) {
	panic("boom")
}

func TestHandlerPanicBecomesErrorFrame(t *testing.T) {
	f := newFixtureWithStore(t, DeliveryStrict, func(s store.Store) store.Store { return panickyKeys{s} })
	bobSess, bobPeer := f.connect(f.bob, "b1")
	_, alicePeer := f.connect(f.alice, "a1")

	err := bobSess.Handle(context.Background(), protocol.RequestPartnerKey{})
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
	assert.Equal(t, "internal error", errorText(bobPeer.last()))
	assert.Empty(t, alicePeer.received(), "errors go to the originating connection only")
	assert.Equal(t, StateAuthenticated, bobSess.State())
}

func TestHandleFrameRejectsMalformed(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	sess, peer := f.connect(f.alice, "a1")

	err := sess.HandleFrame(context.Background(), []byte(`{"event":"launch_missiles"}`))
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(err))
	assert.Equal(t, "unknown event launch_missiles", errorText(peer.last()))

	require.NoError(t, sess.HandleFrame(context.Background(), []byte(`{"event":"user_typing"}`)))
}

func TestTypingRelayAndCloseStopsTyping(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	ctx := context.Background()
	aliceSess, _ := f.connect(f.alice, "a1")
	_, bobPeer := f.connect(f.bob, "b1")
	carolSess, _ := f.connect(f.carol, "c1")

	require.NoError(t, aliceSess.Handle(ctx, protocol.UserTyping{}))
	assert.Equal(t, protocol.PartnerTyping{}, bobPeer.last())

	require.NoError(t, aliceSess.Handle(ctx, protocol.UserStopTyping{}))
	assert.Equal(t, protocol.PartnerStopTyping{}, bobPeer.last())

	require.NoError(t, aliceSess.Handle(ctx, protocol.UserTyping{}))
	aliceSess.Close()
	assert.Equal(t, protocol.PartnerStopTyping{}, bobPeer.last())

	require.NoError(t, carolSess.Handle(ctx, protocol.UserTyping{}), "typing without a partner is ignored")
}

func TestClosingIdleDeviceKeepsTyping(t *testing.T) {
	f := newFixture(t, DeliveryStrict)
	ctx := context.Background()
	laptop, _ := f.connect(f.alice, "alice-laptop")
	phone, _ := f.connect(f.alice, "alice-phone")
	_, bobPeer := f.connect(f.bob, "b1")

	require.NoError(t, laptop.Handle(ctx, protocol.UserTyping{}))
	bobPeer.reset()

	phone.Close()
	assert.Empty(t, bobPeer.received(), "the laptop is still typing")
	assert.True(t, f.svc.typing.IsTyping("alice"))

	laptop.Close()
	assert.Equal(t, []protocol.Outbound{protocol.PartnerStopTyping{}}, bobPeer.received())
}
