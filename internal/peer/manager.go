package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/signaling"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultSendQueueLimit = 32
)

var (
	ErrStopped        = errors.New("peer manager stopped")
	ErrAlreadyStarted = errors.New("peer manager already started")
	ErrNotConnected   = errors.New("relay not connected")
)

// State is the relay connection state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EncryptFunc seals a serialized signaling payload for to.
type EncryptFunc func(to protocol.Fingerprint, plaintext []byte) (protocol.Encrypted, error)

// DecryptFunc opens a payload sealed by from.
type DecryptFunc func(from protocol.Fingerprint, data protocol.Encrypted) ([]byte, error)

// MessageHandler receives validated data channel messages.
type MessageHandler func(from protocol.Fingerprint, msg protocol.SessionMessage)

type Options struct {
	SignalingURL string
	// APIKey is sent as the apiKey query parameter when non-empty.
	APIKey string
	// Protocol is the WebSocket subprotocol; defaults to the relay's.
	Protocol   string
	ICEServers []webrtc.ICEServer

	ReconnectDelay time.Duration
	// SendQueueLimit bounds messages buffered per peer before its channel
	// opens.
	SendQueueLimit int

	Socket    SocketFactory
	Transport TransportFactory
	// WebRTCAPI backs the default Transport factory. Nil uses pion defaults.
	WebRTCAPI *webrtc.API

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Protocol == "" {
		o.Protocol = signaling.Subprotocol
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.SendQueueLimit <= 0 {
		o.SendQueueLimit = DefaultSendQueueLimit
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Socket == nil {
		o.Socket = DialSocket
	}
	if o.Transport == nil {
		o.Transport = PionTransportFactory(o.WebRTCAPI, o.ICEServers, o.Logger)
	}
	return o
}

// Manager owns the relay connection and one Peer per remote fingerprint.
//
// Lock order: Manager.mu before Peer.mu. Network writes and transport calls
// happen outside Manager.mu.
type Manager struct {
	opts    Options
	log     *slog.Logger
	dropped atomic.Uint64

	mu     sync.Mutex
	state  State
	me     protocol.Fingerprint
	url    string
	cancel context.CancelFunc
	socket Socket
	// queued holds offers issued before the relay became ready, in order.
	queued []protocol.Fingerprint
	peers  map[protocol.Fingerprint]*Peer
	timer  *time.Timer
	ready  chan struct{}
	done   chan struct{}

	onMessage MessageHandler
	encrypt   EncryptFunc
	decrypt   DecryptFunc
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:  opts,
		log:   opts.Logger.With("component", "peer"),
		peers: make(map[protocol.Fingerprint]*Peer),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start connects to the relay as me and queues an offer to each known peer.
// It returns once the dial is underway; ctx bounds the dial and every
// reconnect attempt.
func (m *Manager) Start(ctx context.Context, me protocol.Fingerprint, knownPeers []protocol.Fingerprint) error {
	if !me.Valid() {
		return fmt.Errorf("start: %w", protocol.ErrInvalidFingerprint)
	}
	url, err := signaling.ClientURL(m.opts.SignalingURL, me, m.opts.APIKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateIdle:
	case StateStopped:
		return ErrStopped
	default:
		return ErrAlreadyStarted
	}
	m.me = me
	m.url = url
	for _, fp := range knownPeers {
		m.queueOfferLocked(fp)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = StateConnecting
	go m.connect(runCtx)
	return nil
}

// WaitReady blocks until the relay connection is up.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, ready := m.state, m.ready
		m.mu.Unlock()

		switch state {
		case StateReady:
			return nil
		case StateStopped:
			return ErrStopped
		}
		select {
		case <-ready:
		case <-m.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) connect(ctx context.Context) {
	m.log.Info("connecting to relay", "url", m.opts.SignalingURL)
	sock, err := m.opts.Socket(ctx, m.url, m.opts.Protocol)
	if err != nil {
		m.log.Warn("relay connection failed", "err", err)
		m.connectionLost(ctx, nil)
		return
	}

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		_ = sock.Close()
		return
	}
	m.socket = sock
	m.state = StateReady
	close(m.ready)
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()

	m.log.Info("relay connected", "fingerprint", m.me.Short(), "queued_offers", len(queued))
	for _, fp := range queued {
		if err := m.SendOffer(fp); err != nil {
			m.log.Warn("queued offer failed", "peer", fp.Short(), "err", err)
		}
	}

	for {
		raw, err := sock.Receive()
		if err != nil {
			m.log.Debug("relay read ended", "err", err)
			break
		}
		m.handleSignal(raw)
	}
	m.connectionLost(ctx, sock)
}

// connectionLost schedules a reconnect unless the manager is stopping. Peers
// are kept; established data channels do not depend on the relay.
func (m *Manager) connectionLost(ctx context.Context, sock Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sock != nil && m.socket == sock {
		m.socket = nil
	}
	if m.state == StateStopped {
		return
	}
	if m.state == StateReady {
		m.ready = make(chan struct{})
	}
	if ctx.Err() != nil {
		m.state = StateIdle
		return
	}
	m.state = StateConnecting
	m.log.Info("relay connection closed; reconnecting", "delay", m.opts.ReconnectDelay)
	m.timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.connect(ctx)
	})
}

func (m *Manager) queueOfferLocked(fp protocol.Fingerprint) {
	if fp == m.me || slices.Contains(m.queued, fp) {
		return
	}
	m.queued = append(m.queued, fp)
}

// SendOffer starts negotiation with to. Offers issued before the relay is
// ready are queued. Peers already negotiating or open are left alone.
func (m *Manager) SendOffer(to protocol.Fingerprint) error {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if to == m.me {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateReady {
		m.queueOfferLocked(to)
		m.mu.Unlock()
		m.log.Debug("offer queued until relay is ready", "peer", to.Short())
		return nil
	}
	p, err := m.peerLocked(to)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if !p.transition(PeerNew, PeerOffering) {
		m.log.Debug("skipping offer", "peer", to.Short(), "state", p.State())
		return nil
	}
	offer, err := p.transport.CreateOffer()
	if err != nil {
		p.transition(PeerOffering, PeerNew)
		return fmt.Errorf("offer to %s: %w", to.Short(), err)
	}
	m.log.Debug("sending offer", "peer", to.Short())
	if err := m.sendSignal(to, offer); err != nil {
		p.transition(PeerOffering, PeerNew)
		if errors.Is(err, ErrNotConnected) {
			m.mu.Lock()
			state := m.state
			if state != StateReady && state != StateStopped {
				m.queueOfferLocked(to)
			}
			m.mu.Unlock()
			if state == StateReady {
				// The relay came back while this offer was failing.
				return m.SendOffer(to)
			}
			m.log.Debug("relay lost before offer was sent; queued", "peer", to.Short())
			return nil
		}
		return err
	}
	return nil
}

// SendMessage delivers msg on the data channel to to, queueing it until the
// channel opens. A peer with no negotiation in flight gets an offer.
func (m *Manager) SendMessage(to protocol.Fingerprint, msg protocol.SessionMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode session message: %w", err)
	}

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if to == m.me {
		m.mu.Unlock()
		return nil
	}
	p, err := m.peerLocked(to)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := p.send(data); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			m.dropped.Add(1)
			m.log.Warn("send queue full; dropping message", "peer", to.Short(), "limit", m.opts.SendQueueLimit)
		}
		return err
	}
	if p.State() == PeerNew {
		return m.SendOffer(to)
	}
	return nil
}

// DisconnectPeers closes every peer connection and forgets them.
func (m *Manager) DisconnectPeers() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[protocol.Fingerprint]*Peer)
	m.mu.Unlock()

	for _, p := range peers {
		if err := p.transport.Close(); err != nil {
			m.log.Debug("closing peer transport", "peer", p.fp.Short(), "err", err)
		}
	}
}

// Stop cancels any pending reconnect, closes the relay connection and every
// peer. The Manager cannot be restarted.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	sock := m.socket
	m.socket = nil
	queued := len(m.queued)
	m.queued = nil
	close(m.done)
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	m.DisconnectPeers()
	m.log.Info("peer manager stopped", "discarded_offers", queued)
}

func (m *Manager) OnMessage(cb MessageHandler) {
	m.mu.Lock()
	m.onMessage = cb
	m.mu.Unlock()
}

func (m *Manager) RegisterEncryptMessage(fn EncryptFunc) {
	m.mu.Lock()
	m.encrypt = fn
	m.mu.Unlock()
}

func (m *Manager) RegisterDecryptMessage(fn DecryptFunc) {
	m.mu.Lock()
	m.decrypt = fn
	m.mu.Unlock()
}

func (m *Manager) MyFingerprint() protocol.Fingerprint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.me
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PeerState reports the negotiation state of fp, if a Peer exists.
func (m *Manager) PeerState(fp protocol.Fingerprint) (PeerState, bool) {
	m.mu.Lock()
	p, ok := m.peers[fp]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return p.State(), true
}

// Peers lists the fingerprints with a live Peer, sorted.
func (m *Manager) Peers() []protocol.Fingerprint {
	m.mu.Lock()
	out := make([]protocol.Fingerprint, 0, len(m.peers))
	for fp := range m.peers {
		out = append(out, fp)
	}
	m.mu.Unlock()
	slices.Sort(out)
	return out
}

// DroppedMessages counts messages rejected because a send queue was full.
func (m *Manager) DroppedMessages() uint64 {
	return m.dropped.Load()
}

func (m *Manager) getOrCreate(fp protocol.Fingerprint) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateStopped {
		return nil, ErrStopped
	}
	return m.peerLocked(fp)
}

func (m *Manager) peerLocked(fp protocol.Fingerprint) (*Peer, error) {
	if p, ok := m.peers[fp]; ok {
		return p, nil
	}
	p := &Peer{fp: fp, queueLimit: m.opts.SendQueueLimit}
	t, err := m.opts.Transport(TransportEvents{
		OnICECandidate: func(c protocol.ICECandidate) { m.onLocalCandidate(p, c) },
		OnOpen:         func() { m.onChannelOpen(p) },
		OnMessage:      func(data []byte) { m.onChannelMessage(p, data) },
		OnClose:        func() { m.onChannelClose(p) },
	})
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", fp.Short(), err)
	}
	p.transport = t
	m.peers[fp] = p
	m.log.Debug("peer created", "peer", fp.Short())
	return p, nil
}
