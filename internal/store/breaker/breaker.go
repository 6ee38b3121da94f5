// Package breaker guards a store.Store with a circuit breaker. Infrastructure
// failures surface as apperr UNAVAILABLE, and while the breaker is open calls
// fail fast without touching the database.
package breaker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/store"
)

type Settings struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

type Store struct {
	next store.Store
	cb   *gobreaker.CircuitBreaker
	log  *logrus.Entry
}

var _ store.Store = (*Store)(nil)

func New(next store.Store, s Settings, log *logrus.Entry) *Store {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		// Not-found, duplicates and validation errors are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.IsDomain(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("store circuit breaker state changed")
		},
	}
	return &Store{next: next, cb: gobreaker.NewCircuitBreaker(st), log: log}
}

func (s *Store) do(op string, fn func() (interface{}, error)) (interface{}, error) {
	v, err := s.cb.Execute(fn)
	if err == nil || apperr.IsDomain(err) {
		return v, err
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, apperr.Unavailable("storage temporarily unavailable", err)
	}
	if _, ok := apperr.As(err); ok {
		return v, err
	}
	s.log.WithError(err).WithField("op", op).Error("storage call failed")
	return nil, apperr.Unavailable("storage call failed", err)
}

func (s *Store) RegisterKey(ctx context.Context, ownerID, publicKey string) (*models.KeyRecord, error) {
	v, err := s.do("RegisterKey", func() (interface{}, error) { return s.next.RegisterKey(ctx, ownerID, publicKey) })
	if err != nil {
		return nil, err
	}
	return v.(*models.KeyRecord), nil
}

func (s *Store) GetKey(ctx context.Context, ownerID string) (*models.KeyRecord, error) {
	v, err := s.do("GetKey", func() (interface{}, error) { return s.next.GetKey(ctx, ownerID) })
	if err != nil {
		return nil, err
	}
	return v.(*models.KeyRecord), nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	v, err := s.do("AppendMessage", func() (interface{}, error) { return s.next.AppendMessage(ctx, msg) })
	if err != nil {
		return nil, err
	}
	return v.(*models.Message), nil
}

func (s *Store) AdvanceStatus(ctx context.Context, senderID, recipientID, messageID string, status models.Status) (bool, error) {
	v, err := s.do("AdvanceStatus", func() (interface{}, error) {
		return s.next.AdvanceStatus(ctx, senderID, recipientID, messageID, status)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *Store) History(ctx context.Context, userA, userB string) ([]models.Message, error) {
	v, err := s.do("History", func() (interface{}, error) { return s.next.History(ctx, userA, userB) })
	if err != nil {
		return nil, err
	}
	return v.([]models.Message), nil
}

func (s *Store) ClearHistory(ctx context.Context, userA, userB string) (int64, error) {
	v, err := s.do("ClearHistory", func() (interface{}, error) { return s.next.ClearHistory(ctx, userA, userB) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Store) DeleteMessage(ctx context.Context, senderID, recipientID, messageID string) error {
	_, err := s.do("DeleteMessage", func() (interface{}, error) {
		return nil, s.next.DeleteMessage(ctx, senderID, recipientID, messageID)
	})
	return err
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	v, err := s.do("GetUser", func() (interface{}, error) { return s.next.GetUser(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*models.User), nil
}

func (s *Store) Close() error {
	return s.next.Close()
}
