// Package chat holds the messaging core: the operations shared by realtime
// sessions and the HTTP surface, and the per-connection Session state
// machine.
package chat

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/cryptobox"
	"github.com/pliu/tandem/internal/events"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/protocol"
	"github.com/pliu/tandem/internal/store"
	"github.com/pliu/tandem/internal/typing"
)

var (
	ErrNoPartner  = apperr.FailedPrecondition("no partner linked")
	ErrNotPartner = apperr.Forbidden("recipient is not your partner")
)

type Config struct {
	Policy        DeliveryPolicy
	TypingTimeout time.Duration
}

type Service struct {
	store  store.Store
	reg    Registry
	typing *typing.Coordinator
	events events.Publisher
	policy DeliveryPolicy
	log    *logrus.Entry
}

func NewService(st store.Store, reg Registry, pub events.Publisher, cfg Config, log *logrus.Entry) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.Policy == "" {
		cfg.Policy = DeliveryStrict
	}
	return &Service{
		store:  st,
		reg:    reg,
		typing: typing.NewCoordinator(reg, cfg.TypingTimeout),
		events: pub,
		policy: cfg.Policy,
		log:    log,
	}
}

// Lookup resolves an authenticated user id against the directory.
func (s *Service) Lookup(ctx context.Context, userID string) (*models.User, error) {
	return s.store.GetUser(ctx, userID)
}

func (s *Service) RegisterKey(ctx context.Context, userID, publicKey string) (*models.KeyRecord, error) {
	if _, err := cryptobox.ParseKey(publicKey); err != nil {
		return nil, err
	}
	rec, err := s.store.RegisterKey(ctx, userID, publicKey)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"user": userID, "version": rec.KeyVersion}).Info("public key registered")
	s.publish(ctx, events.Event{Type: events.TypeKeyRegistered, UserID: userID, KeyVersion: rec.KeyVersion})
	return rec, nil
}

// PartnerKey returns the current key of user's partner. An empty requested id
// means the caller's own partner; any other id must be that partner.
// store.ErrKeyNotFound is returned when the partner has not registered.
func (s *Service) PartnerKey(ctx context.Context, user *models.User, requested string) (*models.KeyRecord, error) {
	partnerID, err := partnerOf(user)
	if err != nil {
		return nil, err
	}
	if requested != "" && requested != partnerID {
		return nil, apperr.Forbidden("keys are only shared between partners")
	}
	return s.store.GetKey(ctx, partnerID)
}

type SendResult struct {
	Message *models.Message
	// Reached counts the recipient connections that accepted the relay.
	Reached   int
	Delivered bool
}

// SendMessage stores msg from sender and relays it to the partner. Nothing is
// relayed unless the message was stored.
func (s *Service) SendMessage(ctx context.Context, sender *models.User, msg models.Message) (*SendResult, error) {
	if msg.SenderID != "" && msg.SenderID != sender.ID {
		return nil, apperr.Forbidden("senderId does not match the authenticated user")
	}
	msg.SenderID = sender.ID
	if sender.Name != "" {
		msg.SenderName = sender.Name
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if _, err := cryptobox.ParseKey(msg.SenderPublicKey); err != nil {
		return nil, apperr.InvalidArg("senderPublicKey is not a valid public key")
	}
	if err := cryptobox.CheckEnvelope(msg.EncryptedContent); err != nil {
		return nil, err
	}
	partnerID, err := partnerOf(sender)
	if err != nil {
		return nil, err
	}
	if msg.RecipientID != partnerID {
		return nil, ErrNotPartner
	}

	stored, err := s.store.AppendMessage(ctx, &msg)
	if err != nil {
		return nil, err
	}

	relay := *stored
	relay.Status = models.StatusDelivered
	res := &SendResult{Message: stored}
	res.Reached = s.reg.EmitTo(stored.RecipientID, protocol.ReceiveMessage{Message: relay})

	switch s.policy {
	case DeliveryOptimistic:
		res.Delivered = true
	default:
		if res.Reached > 0 {
			changed, err := s.store.AdvanceStatus(ctx, stored.SenderID, stored.RecipientID, stored.ID, models.StatusDelivered)
			if err != nil {
				s.log.WithError(err).WithField("message", stored.ID).Warn("relayed message not marked delivered")
				break
			}
			if changed {
				stored.Status = models.StatusDelivered
			}
			res.Delivered = true
		}
	}

	s.log.WithFields(logrus.Fields{
		"message": stored.ID, "from": stored.SenderID, "to": stored.RecipientID,
		"reached": res.Reached, "delivered": res.Delivered,
	}).Debug("message sent")
	s.publish(ctx, events.Event{Type: events.TypeMessageStored, UserID: stored.SenderID,
		PartnerID: stored.RecipientID, MessageID: stored.ID, Status: string(stored.Status)})
	return res, nil
}

// Acknowledge records that recipient received messageID from their partner
// and tells the partner, once.
func (s *Service) Acknowledge(ctx context.Context, recipient *models.User, messageID string) (bool, error) {
	partnerID, err := partnerOf(recipient)
	if err != nil {
		return false, err
	}
	changed, err := s.advance(ctx, partnerID, recipient.ID, messageID, models.StatusDelivered)
	if err != nil || !changed {
		return changed, err
	}
	s.reg.EmitTo(partnerID, protocol.MessageDelivered{MessageID: messageID})
	return true, nil
}

// MarkRead records that reader read messageID from their partner. The
// partner is told even when the message was already read.
func (s *Service) MarkRead(ctx context.Context, reader *models.User, messageID string) (bool, error) {
	partnerID, err := partnerOf(reader)
	if err != nil {
		return false, err
	}
	changed, err := s.advance(ctx, partnerID, reader.ID, messageID, models.StatusRead)
	if err != nil {
		return false, err
	}
	s.reg.EmitTo(partnerID, protocol.MessageReadReceipt{MessageID: messageID})
	return changed, nil
}

// UpdateStatus is the HTTP form of Acknowledge and MarkRead.
func (s *Service) UpdateStatus(ctx context.Context, user *models.User, messageID string, status models.Status) (bool, error) {
	switch status {
	case models.StatusDelivered:
		return s.Acknowledge(ctx, user, messageID)
	case models.StatusRead:
		return s.MarkRead(ctx, user, messageID)
	case models.StatusSent:
		return false, apperr.InvalidArg("status can only move forward")
	}
	return false, models.ErrInvalidStatus
}

func (s *Service) advance(ctx context.Context, senderID, recipientID, messageID string, status models.Status) (bool, error) {
	if messageID == "" {
		return false, apperr.InvalidArg("messageId is required")
	}
	changed, err := s.store.AdvanceStatus(ctx, senderID, recipientID, messageID, status)
	if err != nil {
		return false, err
	}
	if changed {
		s.publish(ctx, events.Event{Type: events.TypeStatusAdvanced, UserID: recipientID,
			PartnerID: senderID, MessageID: messageID, Status: string(status)})
	}
	return changed, nil
}

func (s *Service) History(ctx context.Context, user *models.User) ([]models.Message, error) {
	partnerID, err := partnerOf(user)
	if err != nil {
		return nil, err
	}
	return s.store.History(ctx, user.ID, partnerID)
}

func (s *Service) ClearHistory(ctx context.Context, user *models.User) (int64, error) {
	partnerID, err := partnerOf(user)
	if err != nil {
		return 0, err
	}
	n, err := s.store.ClearHistory(ctx, user.ID, partnerID)
	if err != nil {
		return 0, err
	}
	s.log.WithFields(logrus.Fields{"user": user.ID, "count": n}).Info("history cleared")
	s.publish(ctx, events.Event{Type: events.TypeHistoryCleared, UserID: user.ID, PartnerID: partnerID, Count: n})
	return n, nil
}

// DeleteMessage removes one of user's own messages.
func (s *Service) DeleteMessage(ctx context.Context, user *models.User, messageID string) error {
	partnerID, err := partnerOf(user)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessage(ctx, user.ID, partnerID, messageID); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Type: events.TypeMessageDeleted, UserID: user.ID, PartnerID: partnerID, MessageID: messageID})
	return nil
}

// StartTyping and StopTyping are silent for users without a partner. source
// names the connection the keystrokes came from.
func (s *Service) StartTyping(user *models.User, source string) {
	if user.HasPartner() {
		s.typing.Start(user.ID, user.PartnerID, source)
	}
}

func (s *Service) StopTyping(user *models.User) {
	if user.HasPartner() {
		s.typing.Stop(user.ID, user.PartnerID)
	}
}

func (s *Service) Close() {
	s.typing.Close()
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithField("type", ev.Type).Warn("domain event dropped")
	}
}

func partnerOf(u *models.User) (string, error) {
	if !u.HasPartner() {
		return "", ErrNoPartner
	}
	return u.PartnerID, nil
}
