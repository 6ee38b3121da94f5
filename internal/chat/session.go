package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/protocol"
	"github.com/pliu/tandem/internal/store"
)

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrNotAuthenticated = apperr.Unauthorized("not authenticated")
	ErrSessionClosed    = apperr.FailedPrecondition("session closed")
)

// Session is the server side of one realtime connection. Handle must be
// called from a single goroutine; events are processed to completion in
// arrival order.
type Session struct {
	svc  *Service
	peer Peer
	log  *logrus.Entry

	mu     sync.Mutex
	state  State
	user   *models.User
	joined bool
}

func (s *Service) NewSession(peer Peer) *Session {
	return &Session{
		svc:  s,
		peer: peer,
		log:  s.log.WithField("conn", peer.ID()),
	}
}

// Authenticate binds the session to a verified identity.
func (ss *Session) Authenticate(user *models.User) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	switch ss.state {
	case StateClosed:
		return ErrSessionClosed
	case StateAuthenticated:
		return apperr.FailedPrecondition("session already authenticated")
	}
	if user == nil || user.ID == "" {
		return ErrNotAuthenticated
	}
	ss.user = user
	ss.state = StateAuthenticated
	ss.log = ss.log.WithField("user", user.ID)
	return nil
}

func (ss *Session) State() State {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

func (ss *Session) User() *models.User {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.user
}

// Close leaves the registry and drops typing state this connection started.
// It is idempotent.
func (ss *Session) Close() {
	ss.mu.Lock()
	if ss.state == StateClosed {
		ss.mu.Unlock()
		return
	}
	prev, user, joined := ss.state, ss.user, ss.joined
	ss.state = StateClosed
	ss.joined = false
	ss.mu.Unlock()

	if prev != StateAuthenticated {
		return
	}
	if joined {
		ss.svc.reg.Leave(user.ID, ss.peer)
	}
	ss.svc.typing.Forget(user.ID, ss.peer.ID())
	ss.log.Debug("session closed")
}

// HandleFrame decodes and handles one raw frame. Malformed frames are answered
// with an error event like any other failure.
func (ss *Session) HandleFrame(ctx context.Context, raw []byte) error {
	ev, err := protocol.DecodeInbound(raw)
	if err != nil {
		ss.fail(err)
		return err
	}
	return ss.Handle(ctx, ev)
}

// Handle runs one inbound event. Any failure, including a panic, is reported
// to this connection only.
func (ss *Session) Handle(ctx context.Context, ev protocol.Inbound) error {
	err := ss.dispatch(ctx, ev)
	if err != nil {
		ss.fail(err)
	}
	return err
}

func (ss *Session) dispatch(ctx context.Context, ev protocol.Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ss.log.WithFields(logrus.Fields{"event": ev.EventName(), "panic": r}).Error("event handler panicked")
			err = apperr.Internal("internal error")
		}
	}()

	ss.mu.Lock()
	state, user := ss.state, ss.user
	ss.mu.Unlock()
	switch state {
	case StateUnauthenticated:
		return ErrNotAuthenticated
	case StateClosed:
		return ErrSessionClosed
	}

	switch ev := ev.(type) {
	case protocol.Identify:
		return ss.identify(user, ev)
	case protocol.RegisterKey:
		if ev.UserID != "" && ev.UserID != user.ID {
			return apperr.Forbidden("cannot register a key for another user")
		}
		_, err := ss.svc.RegisterKey(ctx, user.ID, ev.PublicKey)
		return err
	case protocol.RequestPartnerKey:
		return ss.requestPartnerKey(ctx, user, ev)
	case protocol.SendMessage:
		res, err := ss.svc.SendMessage(ctx, user, ev.Message)
		if err != nil {
			return err
		}
		if res.Delivered {
			ss.reply(protocol.MessageDelivered{MessageID: res.Message.ID})
		}
		return nil
	case protocol.MessageAck:
		_, err := ss.svc.Acknowledge(ctx, user, ev.MessageID)
		return err
	case protocol.MessageRead:
		_, err := ss.svc.MarkRead(ctx, user, ev.MessageID)
		return err
	case protocol.UserTyping:
		ss.svc.StartTyping(user, ss.peer.ID())
		return nil
	case protocol.UserStopTyping:
		ss.svc.StopTyping(user)
		return nil
	default:
		return apperr.InvalidArg("unsupported event " + ev.EventName())
	}
}

// identify joins the registry under the authenticated identity. The claimed
// id is advisory only.
func (ss *Session) identify(user *models.User, ev protocol.Identify) error {
	if ev.UserID != "" && ev.UserID != user.ID {
		ss.log.WithField("claimed", ev.UserID).Warn("identify with mismatched user id ignored")
	}
	ss.mu.Lock()
	if ss.joined || ss.state != StateAuthenticated {
		ss.mu.Unlock()
		return nil
	}
	ss.joined = true
	ss.mu.Unlock()

	ss.svc.reg.Join(user.ID, ss.peer)
	ss.log.Debug("identified")
	return nil
}

func (ss *Session) requestPartnerKey(ctx context.Context, user *models.User, ev protocol.RequestPartnerKey) error {
	rec, err := ss.svc.PartnerKey(ctx, user, ev.PartnerID)
	switch {
	case errors.Is(err, store.ErrKeyNotFound):
		ss.reply(protocol.PartnerKey{})
		return nil
	case err != nil:
		return err
	}
	pk := rec.PublicKey
	ss.reply(protocol.PartnerKey{PublicKey: &pk})
	return nil
}

func (ss *Session) reply(ev protocol.Outbound) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		ss.log.WithError(err).Error("encode reply")
		return
	}
	ss.peer.Send(frame)
}

func (ss *Session) fail(err error) {
	entry := ss.log.WithError(err).WithField("code", apperr.CodeOf(err))
	if apperr.IsDomain(err) {
		entry.Debug("event rejected")
	} else {
		entry.Error("event failed")
	}
	ss.peer.Send(protocol.ErrorFrame(apperr.PublicMessage(err)))
}
