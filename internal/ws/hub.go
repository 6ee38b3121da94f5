package ws

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pliu/tandem/internal/chat"
	"github.com/pliu/tandem/internal/protocol"
)

// Hub is the in-process connection registry: user id to live peers.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]map[chat.Peer]struct{}
	log   *logrus.Entry
}

var _ chat.Registry = (*Hub)(nil)

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		peers: make(map[string]map[chat.Peer]struct{}),
		log:   log,
	}
}

func (h *Hub) Join(userID string, p chat.Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.peers[userID]
	if !ok {
		set = make(map[chat.Peer]struct{})
		h.peers[userID] = set
	}
	set[p] = struct{}{}
	h.log.WithFields(logrus.Fields{"user": userID, "conn": p.ID(), "peers": len(set)}).Debug("peer joined")
}

func (h *Hub) Leave(userID string, p chat.Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(userID, p)
}

// remove expects h.mu held.
func (h *Hub) remove(userID string, p chat.Peer) bool {
	set, ok := h.peers[userID]
	if !ok {
		return false
	}
	if _, ok := set[p]; !ok {
		return false
	}
	delete(set, p)
	if len(set) == 0 {
		delete(h.peers, userID)
	}
	return true
}

func (h *Hub) EmitTo(userID string, ev protocol.Outbound) int {
	frame, err := protocol.Encode(ev)
	if err != nil {
		h.log.WithError(err).WithField("event", ev.EventName()).Error("encode event")
		return 0
	}
	return h.EmitFrame(userID, frame)
}

// EmitFrame sends a pre-encoded frame to every peer of userID. A peer that
// cannot keep up is dropped and closed.
func (h *Hub) EmitFrame(userID string, frame []byte) int {
	h.mu.RLock()
	peers := make([]chat.Peer, 0, len(h.peers[userID]))
	for p := range h.peers[userID] {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range peers {
		if p.Send(frame) {
			n++
			continue
		}
		h.mu.Lock()
		dropped := h.remove(userID, p)
		h.mu.Unlock()
		if dropped {
			h.log.WithFields(logrus.Fields{"user": userID, "conn": p.ID()}).Warn("dropping slow peer")
			p.Close()
		}
	}
	return n
}

// Count returns the number of live peers of userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[userID])
}

// Users lists every user with at least one live peer.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	return out
}
