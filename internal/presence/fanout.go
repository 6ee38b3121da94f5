// Package presence spreads a ws.Hub across processes. Each instance records
// which users it holds connections for in Redis and relays emits for users
// connected elsewhere over pub/sub.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/protocol"
	"github.com/pliu/tandem/internal/ws"
)

type Options struct {
	Prefix string
	// TTL bounds how long a crashed instance's presence survives.
	TTL time.Duration
	// OpTimeout bounds each Redis call made from an emit or join.
	OpTimeout time.Duration
}

type envelope struct {
	Node  string          `json:"node"`
	User  string          `json:"user"`
	Frame json.RawMessage `json:"frame"`
}

// Fanout is a chat.Registry backed by a local Hub and Redis.
type Fanout struct {
	hub  *ws.Hub
	rdb  *redis.Client
	opts Options
	node string
	log  *logrus.Entry
}

var _ chat.Registry = (*Fanout)(nil)

func New(hub *ws.Hub, rdb *redis.Client, opts Options, log *logrus.Entry) *Fanout {
	if opts.Prefix == "" {
		opts.Prefix = "tandem"
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = time.Second
	}
	node := uuid.NewString()
	return &Fanout{hub: hub, rdb: rdb, opts: opts, node: node, log: log.WithField("node", node)}
}

func (f *Fanout) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", f.opts.Prefix, userID)
}

func (f *Fanout) channel() string {
	return f.opts.Prefix + ":emit"
}

func (f *Fanout) Join(userID string, p chat.Peer) {
	f.hub.Join(userID, p)
	f.sync(userID)
}

func (f *Fanout) Leave(userID string, p chat.Peer) {
	f.hub.Leave(userID, p)
	f.sync(userID)
}

// sync writes this node's peer count for userID.
func (f *Fanout) sync(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.OpTimeout)
	defer cancel()

	key := f.presenceKey(userID)
	n := f.hub.Count(userID)
	var err error
	if n == 0 {
		err = f.rdb.HDel(ctx, key, f.node).Err()
	} else {
		_, err = f.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, f.node, n)
			pipe.Expire(ctx, key, f.opts.TTL)
			return nil
		})
	}
	if err != nil {
		f.log.WithError(err).WithField("user", userID).Warn("presence update failed")
	}
}

// EmitTo delivers locally, then publishes for other instances that hold
// peers of userID. The result counts local peers plus remote peers as last
// reported by their instances.
func (f *Fanout) EmitTo(userID string, ev protocol.Outbound) int {
	frame, err := protocol.Encode(ev)
	if err != nil {
		f.log.WithError(err).Error("encode event")
		return 0
	}
	n := f.hub.EmitFrame(userID, frame)

	ctx, cancel := context.WithTimeout(context.Background(), f.opts.OpTimeout)
	defer cancel()
	remote, err := f.remotePeers(ctx, userID)
	if err != nil {
		f.log.WithError(err).WithField("user", userID).Warn("presence lookup failed")
		return n
	}
	if remote == 0 {
		return n
	}
	payload, _ := json.Marshal(envelope{Node: f.node, User: userID, Frame: frame})
	if err := f.rdb.Publish(ctx, f.channel(), payload).Err(); err != nil {
		f.log.WithError(err).WithField("user", userID).Warn("fan-out publish failed")
		return n
	}
	return n + remote
}

func (f *Fanout) remotePeers(ctx context.Context, userID string) (int, error) {
	counts, err := f.rdb.HGetAll(ctx, f.presenceKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for node, c := range counts {
		if node == f.node {
			continue
		}
		if v, err := strconv.Atoi(c); err == nil {
			total += v
		}
	}
	return total, nil
}

// Run delivers frames published by other instances and keeps this node's
// presence fresh until ctx ends. On return this node's presence is removed.
func (f *Fanout) Run(ctx context.Context) error {
	sub := f.rdb.Subscribe(ctx, f.channel())
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	msgs := sub.Channel()

	refresh := time.NewTicker(f.opts.TTL / 3)
	defer refresh.Stop()
	defer f.withdraw()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			f.deliver(m.Payload)
		case <-refresh.C:
			for _, userID := range f.hub.Users() {
				f.sync(userID)
			}
		}
	}
}

func (f *Fanout) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		f.log.WithError(err).Warn("bad fan-out payload")
		return
	}
	if env.Node == f.node {
		return
	}
	f.hub.EmitFrame(env.User, env.Frame)
}

func (f *Fanout) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.OpTimeout)
	defer cancel()
	for _, userID := range f.hub.Users() {
		f.rdb.HDel(ctx, f.presenceKey(userID), f.node)
	}
}
