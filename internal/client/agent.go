// Package client is the end-user side of tandem: it owns the key pair,
// encrypts outgoing text to the partner, decrypts incoming messages and
// tracks message status.
package client

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pliu/tandem/internal/apperr"
	"github.com/pliu/tandem/internal/auth"
	"github.com/pliu/tandem/internal/cryptobox"
	"github.com/pliu/tandem/internal/models"
	"github.com/pliu/tandem/internal/protocol"
	"github.com/pliu/tandem/internal/typing"
)

var (
	ErrPartnerKeyMissing = apperr.NotFound("partner has not registered an encryption key")
	ErrNotConnected      = apperr.FailedPrecondition("not connected")
)

type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL   string
	Token     string
	UserID    string
	UserName  string
	PartnerID string
	// AutoRead sends message_read as soon as a message is decrypted.
	AutoRead bool

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
	Log        *logrus.Entry

	OnTyping func(typing bool)
	OnError  func(message string)
}

// Message is a ledger message as this client sees it.
type Message struct {
	models.Message
	Text       string
	Outgoing   bool
	Local      LocalStatus
	DecryptErr error
}

// reply is a partner_key or error frame seen while a round trip is pending.
type reply struct {
	key     *string
	isKey   bool
	problem string
}

type Agent struct {
	cfg  Config
	keys *cryptobox.KeyPair
	log  *logrus.Entry

	writeMu sync.Mutex
	conn    *websocket.Conn
	// done closes when the current connection's read loop exits.
	done chan struct{}

	// rtMu serializes round trips; see roundTrip.
	rtMu sync.Mutex

	mu         sync.Mutex
	partnerKey string
	waiter     chan reply
	outbox     map[string]*Message

	inbox     chan Message
	indicator *typing.Indicator
	debouncer *typing.Debouncer
}

// New generates the key pair this agent keeps for its whole lifetime.
func New(cfg Config) (*Agent, error) {
	if cfg.BaseURL == "" || cfg.UserID == "" {
		return nil, apperr.InvalidArg("BaseURL and UserID are required")
	}
	keys, err := cryptobox.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Agent{
		cfg:    cfg,
		keys:   keys,
		log:    cfg.Log.WithField("user", cfg.UserID),
		outbox: make(map[string]*Message),
		inbox:  make(chan Message, 64),
	}
	a.indicator = typing.NewIndicator(typing.IndicatorTimeout, cfg.OnTyping)
	a.debouncer = typing.NewDebouncer(typing.StopDelay, func() {
		a.write(protocol.UserStopTyping{})
	})
	return a, nil
}

func (a *Agent) PublicKey() string {
	return a.keys.PublicKeyString()
}

// Messages delivers incoming messages after decryption.
func (a *Agent) Messages() <-chan Message {
	return a.inbox
}

// Dial opens the realtime connection and starts reading from it. Dialing
// again after a disconnect keeps the key pair and the outbox.
func (a *Agent) Dial(ctx context.Context) error {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return apperr.InvalidArg("bad BaseURL")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	header.Set("Cookie", auth.CookieName+"="+a.cfg.Token)
	conn, resp, err := a.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return apperr.Wrap(apperr.CodeUnauthenticated, "connection refused", err)
		}
		return apperr.Unavailable("dial failed", err)
	}
	done := make(chan struct{})
	a.writeMu.Lock()
	a.conn = conn
	a.done = done
	a.writeMu.Unlock()
	go a.readLoop(conn, done)
	return nil
}

func (a *Agent) Identify() error {
	return a.write(protocol.Identify{UserID: a.cfg.UserID})
}

func (a *Agent) RegisterKey() error {
	return a.write(protocol.RegisterKey{UserID: a.cfg.UserID, PublicKey: a.PublicKey()})
}

// RequestPartnerKey asks for and caches the partner's current key.
func (a *Agent) RequestPartnerKey(ctx context.Context) (string, error) {
	key, err := a.roundTrip(ctx, nil)
	if err != nil {
		return "", err
	}
	if key == nil {
		return "", ErrPartnerKeyMissing
	}
	return *key, nil
}

// roundTrip writes ev, if any, followed by request_partner_key, and waits for
// the partner_key answer. The server handles a connection's frames in order
// and answers each failed frame with exactly one error, so an error seen
// before partner_key belongs to ev.
func (a *Agent) roundTrip(ctx context.Context, ev protocol.Inbound) (*string, error) {
	a.rtMu.Lock()
	defer a.rtMu.Unlock()

	frames := []protocol.Inbound{protocol.RequestPartnerKey{PartnerID: a.cfg.PartnerID}}
	if ev != nil {
		frames = append([]protocol.Inbound{ev}, frames...)
	}
	replies := make(chan reply, len(frames))
	a.mu.Lock()
	a.waiter = replies
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.waiter == replies {
			a.waiter = nil
		}
		a.mu.Unlock()
	}()

	for _, f := range frames {
		if err := a.write(f); err != nil {
			return nil, err
		}
	}
	a.writeMu.Lock()
	done := a.done
	a.writeMu.Unlock()

	var problem string
	failures := 0
	for {
		select {
		case r := <-replies:
			if !r.isKey {
				if problem == "" {
					problem = r.problem
				}
				if failures++; failures < len(frames) {
					continue
				}
			}
			if problem != "" {
				return r.key, apperr.New(apperr.CodeUnknown, problem)
			}
			return r.key, nil
		case <-done:
			return nil, ErrNotConnected
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send encrypts text to the partner's cached key and submits it. It returns
// once the server has stored the message or refused it; the returned Message
// is a snapshot, later status changes are visible through Status.
func (a *Agent) Send(ctx context.Context, text string) (*Message, error) {
	a.mu.Lock()
	partnerKey := a.partnerKey
	a.mu.Unlock()
	if partnerKey == "" {
		var err error
		if partnerKey, err = a.RequestPartnerKey(ctx); err != nil {
			return nil, err
		}
	}

	env, err := cryptobox.EncryptString(text, partnerKey, &a.keys.Private)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Message: models.Message{
			ID:               uuid.NewString(),
			SenderID:         a.cfg.UserID,
			SenderName:       a.cfg.UserName,
			RecipientID:      a.cfg.PartnerID,
			EncryptedContent: env,
			SenderPublicKey:  a.PublicKey(),
			Timestamp:        time.Now(),
		},
		Text:     text,
		Outgoing: true,
		Local:    StatusSending,
	}
	a.mu.Lock()
	a.outbox[msg.ID] = msg
	a.mu.Unlock()

	a.debouncer.Flush()
	if _, err := a.roundTrip(ctx, protocol.SendMessage{Message: msg.Message}); err != nil {
		a.setStatus(msg.ID, StatusFailed)
		return a.snapshot(msg.ID), err
	}
	a.setStatus(msg.ID, StatusSent)
	return a.snapshot(msg.ID), nil
}

func (a *Agent) snapshot(messageID string) *Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.outbox[messageID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Status reports the local status of a message this agent sent.
func (a *Agent) Status(messageID string) LocalStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.outbox[messageID]; ok {
		return m.Local
	}
	return ""
}

func (a *Agent) setStatus(messageID string, s LocalStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.outbox[messageID]
	if !ok {
		return
	}
	if s == StatusFailed || s.rank() > m.Local.rank() {
		m.Local = s
	}
}

// Typing records a keystroke: the first of a burst announces typing and a
// pause of a second announces the stop.
func (a *Agent) Typing() {
	if a.debouncer.Poke() {
		a.write(protocol.UserTyping{})
	}
}

func (a *Agent) PartnerTyping() bool {
	return a.indicator.Typing()
}

// MarkRead tells the partner a message has been read.
func (a *Agent) MarkRead(messageID string) error {
	return a.write(protocol.MessageRead{MessageID: messageID})
}

func (a *Agent) Close() error {
	a.debouncer.Cancel()
	a.indicator.Clear()
	a.writeMu.Lock()
	conn := a.conn
	a.writeMu.Unlock()
	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return conn.Close()
}

func (a *Agent) write(ev protocol.Inbound) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-a.done:
		return ErrNotConnected
	default:
	}
	a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperr.Unavailable("write failed", err)
	}
	return nil
}

func (a *Agent) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := protocol.DecodeOutbound(data)
		if err != nil {
			a.log.WithError(err).Warn("undecodable frame")
			continue
		}
		a.handle(ev)
	}
}

func (a *Agent) handle(ev protocol.Outbound) {
	switch ev := ev.(type) {
	case protocol.PartnerKey:
		a.mu.Lock()
		if ev.PublicKey != nil {
			a.partnerKey = *ev.PublicKey
		}
		w := a.waiter
		a.mu.Unlock()
		if w != nil {
			select {
			case w <- reply{key: ev.PublicKey, isKey: true}:
			default:
			}
		}
	case protocol.ReceiveMessage:
		a.receive(ev.Message)
	case protocol.MessageDelivered:
		a.setStatus(ev.MessageID, StatusDelivered)
	case protocol.MessageReadReceipt:
		a.setStatus(ev.MessageID, StatusRead)
	case protocol.PartnerTyping:
		a.indicator.Touch()
	case protocol.PartnerStopTyping:
		a.indicator.Clear()
	case protocol.ErrorEvent:
		a.log.WithField("message", ev.Message).Debug("server error")
		a.mu.Lock()
		w := a.waiter
		a.mu.Unlock()
		if w != nil {
			select {
			case w <- reply{problem: ev.Message}:
			default:
			}
		}
		if a.cfg.OnError != nil {
			a.cfg.OnError(ev.Message)
		}
	}
}

func (a *Agent) receive(wire models.Message) {
	msg := Message{Message: wire, Local: LocalStatus(wire.Status)}
	msg.Text, msg.DecryptErr = cryptobox.DecryptString(wire.EncryptedContent, wire.SenderPublicKey, &a.keys.Private)
	if msg.DecryptErr != nil {
		a.log.WithField("message", wire.ID).Warn("incoming message could not be decrypted")
	}
	a.indicator.Clear()

	a.write(protocol.MessageAck{MessageID: wire.ID})
	if a.cfg.AutoRead && msg.DecryptErr == nil {
		a.write(protocol.MessageRead{MessageID: wire.ID})
	}

	select {
	case a.inbox <- msg:
	default:
		a.log.WithField("message", wire.ID).Warn("inbox full, message dropped")
	}
}
