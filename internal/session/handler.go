package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/peer"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// Messenger is the part of *peer.Manager the Handler drives.
type Messenger interface {
	Start(ctx context.Context, me protocol.Fingerprint, knownPeers []protocol.Fingerprint) error
	SendOffer(to protocol.Fingerprint) error
	SendMessage(to protocol.Fingerprint, msg protocol.SessionMessage) error
	DisconnectPeers()
	OnMessage(peer.MessageHandler)
	MyFingerprint() protocol.Fingerprint
}

var _ Messenger = (*peer.Manager)(nil)

// Handler records sessions in a Store and moves positions through a
// Messenger.
type Handler struct {
	store *Store
	peers Messenger
	now   func() time.Time
	log   *slog.Logger

	mu       sync.Mutex
	incoming func(Session)
}

func NewHandler(store *Store, peers Messenger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store: store,
		peers: peers,
		now:   store.now,
		log:   logger.With("component", "session"),
	}
	peers.OnMessage(h.receive)
	return h
}

// OnIncoming registers cb to run after every received position is stored.
func (h *Handler) OnIncoming(cb func(Session)) {
	h.mu.Lock()
	h.incoming = cb
	h.mu.Unlock()
}

// Start connects as me and reconnects to every contact with an active
// session.
func (h *Handler) Start(ctx context.Context, me protocol.Fingerprint) error {
	return h.peers.Start(ctx, me, h.store.ActiveFingerprints(me))
}

// StartSession begins sharing with to until end.
func (h *Handler) StartSession(to protocol.Fingerprint, end time.Time) error {
	h.store.Upsert(Session{
		From:  h.peers.MyFingerprint(),
		To:    to,
		Start: h.now(),
		End:   end,
	})
	if err := h.peers.SendOffer(to); err != nil {
		return fmt.Errorf("offer to %s: %w", to.Short(), err)
	}
	return nil
}

// SendToSessions sends position to every outgoing session that has not
// ended. It returns how many messages were accepted.
func (h *Handler) SendToSessions(position protocol.Feature) (int, error) {
	me := h.peers.MyFingerprint()
	now := h.now()

	var (
		sent int
		errs []error
	)
	for _, s := range h.store.All() {
		if s.From != me || !s.ActiveAt(now) {
			continue
		}
		msg := protocol.NewSessionMessage(s.Start, s.End, position)
		if err := h.peers.SendMessage(s.To, msg); err != nil {
			h.log.Warn("sending position failed", "peer", s.To.Short(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.To.Short(), err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// StopSessions forgets every session and drops all peer connections.
func (h *Handler) StopSessions() {
	h.store.Clear()
	h.peers.DisconnectPeers()
}

func (h *Handler) receive(from protocol.Fingerprint, msg protocol.SessionMessage) {
	position := msg.Position
	s := Session{
		From:         from,
		To:           h.peers.MyFingerprint(),
		Start:        msg.Start,
		End:          msg.End,
		LastPosition: &position,
	}
	h.store.Upsert(s)
	h.log.Debug("position received", "peer", from.Short(), "end", msg.End)

	h.mu.Lock()
	cb := h.incoming
	h.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
