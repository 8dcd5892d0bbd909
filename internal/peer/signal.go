package peer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

var errNoDecrypt = errors.New("no decrypt function registered")

// sendSignal wraps payload in an envelope to to, encrypting it first when an
// encrypt function is registered.
func (m *Manager) sendSignal(to protocol.Fingerprint, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	m.mu.Lock()
	sock, ready, me, encrypt := m.socket, m.state == StateReady, m.me, m.encrypt
	m.mu.Unlock()
	if !ready || sock == nil {
		return ErrNotConnected
	}

	if encrypt != nil {
		sealed, err := encrypt(to, data)
		if err != nil {
			m.log.Error("encrypting signaling message failed; dropping", "peer", to.Short(), "err", err)
			return fmt.Errorf("encrypt signal for %s: %w", to.Short(), err)
		}
		if data, err = json.Marshal(sealed); err != nil {
			return fmt.Errorf("encode encrypted signal: %w", err)
		}
	}

	raw, err := protocol.Envelope{From: me, To: to, Data: data}.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return sock.Send(raw)
}

// handleSignal runs on the relay read goroutine, so envelopes from one
// sender are processed in the order the relay delivered them.
func (m *Manager) handleSignal(raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		m.log.Warn("dropping malformed signaling message", "err", err)
		return
	}
	if me := m.MyFingerprint(); env.To != me {
		m.log.Warn("dropping signaling message for another recipient", "to", env.To.Short())
		return
	}

	payload, err := protocol.DecodePayload(env.Data)
	if err != nil {
		m.log.Warn("dropping malformed signaling message", "peer", env.From.Short(), "err", err)
		return
	}

	if payload.Kind == protocol.PayloadEncrypted {
		m.mu.Lock()
		decrypt := m.decrypt
		m.mu.Unlock()
		if decrypt == nil {
			m.log.Warn("signaling message decryption failed", "peer", env.From.Short(), "err", errNoDecrypt)
			return
		}
		plain, err := decrypt(env.From, *payload.Encrypted)
		if err != nil {
			m.log.Warn("signaling message decryption failed", "peer", env.From.Short(), "err", err)
			return
		}
		if payload, err = protocol.DecodeSignal(plain); err != nil {
			m.log.Warn("dropping malformed decrypted signaling message", "peer", env.From.Short(), "err", err)
			return
		}
	}

	switch payload.Kind {
	case protocol.PayloadSDP:
		switch payload.SDP.Type {
		case protocol.SDPTypeOffer:
			m.handleOffer(env.From, *payload.SDP)
		case protocol.SDPTypeAnswer:
			m.handleAnswer(env.From, *payload.SDP)
		default:
			m.log.Warn("ignoring unsupported sdp type", "peer", env.From.Short(), "type", payload.SDP.Type)
		}
	case protocol.PayloadICE:
		m.handleICE(env.From, *payload.ICE)
	}
}

func (m *Manager) handleOffer(from protocol.Fingerprint, offer protocol.SDP) {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	var stale *Peer
	if p, ok := m.peers[from]; ok {
		switch state := p.State(); {
		case state == PeerOffering && m.me > from:
			// Both sides offered. The larger fingerprint keeps its own offer
			// and waits for the answer.
			m.mu.Unlock()
			m.log.Debug("ignoring colliding offer", "peer", from.Short())
			return
		case state != PeerNew:
			// The remote side restarted negotiation; start over with a fresh
			// connection.
			stale = p
			delete(m.peers, from)
		}
	}
	var pending [][]byte
	if stale != nil {
		pending = stale.takeQueue()
	}
	p, err := m.peerLocked(from)
	var dropped int
	if err == nil {
		dropped = p.requeue(pending)
	} else {
		dropped = len(pending)
	}
	m.mu.Unlock()

	if stale != nil {
		m.log.Info("replacing peer connection", "peer", from.Short(), "state", stale.State(), "carried", len(pending)-dropped)
		_ = stale.transport.Close()
	}
	if dropped > 0 {
		m.dropped.Add(uint64(dropped))
		m.log.Warn("queued messages dropped while replacing peer", "peer", from.Short(), "dropped", dropped)
	}
	if err != nil {
		m.log.Error("accepting offer failed", "peer", from.Short(), "err", err)
		return
	}

	p.advance(PeerAnswering)
	if err := p.transport.SetRemoteDescription(offer); err != nil {
		m.log.Warn("applying offer failed", "peer", from.Short(), "err", err)
		return
	}
	answer, err := p.transport.CreateAnswer()
	if err != nil {
		m.log.Warn("creating answer failed", "peer", from.Short(), "err", err)
		return
	}
	if err := m.sendSignal(from, answer); err != nil {
		m.log.Warn("sending answer failed", "peer", from.Short(), "err", err)
		return
	}
	p.advance(PeerConnecting)
}

func (m *Manager) handleAnswer(from protocol.Fingerprint, answer protocol.SDP) {
	p, err := m.getOrCreate(from)
	if err != nil {
		m.log.Debug("dropping answer", "peer", from.Short(), "err", err)
		return
	}
	if err := p.transport.SetRemoteDescription(answer); err != nil {
		m.log.Warn("applying answer failed", "peer", from.Short(), "state", p.State(), "err", err)
		return
	}
	p.advance(PeerConnecting)
}

func (m *Manager) handleICE(from protocol.Fingerprint, c protocol.ICECandidate) {
	p, err := m.getOrCreate(from)
	if err != nil {
		m.log.Debug("dropping ice candidate", "peer", from.Short(), "err", err)
		return
	}
	if err := p.transport.AddICECandidate(c); err != nil {
		m.log.Debug("adding ice candidate failed", "peer", from.Short(), "err", err)
	}
}

func (m *Manager) onLocalCandidate(p *Peer, c protocol.ICECandidate) {
	if c.Candidate == "" {
		return
	}
	m.mu.Lock()
	current := m.peers[p.fp] == p
	m.mu.Unlock()
	if !current || p.isClosed() {
		return
	}
	if err := m.sendSignal(p.fp, c); err != nil {
		m.log.Debug("dropping local ice candidate", "peer", p.fp.Short(), "err", err)
	}
}

func (m *Manager) onChannelOpen(p *Peer) {
	flushed, failed := p.open()
	m.log.Info("data channel open", "peer", p.fp.Short(), "flushed", flushed)
	if failed > 0 {
		m.log.Warn("flushing queued messages failed", "peer", p.fp.Short(), "failed", failed)
	}
}

func (m *Manager) onChannelMessage(p *Peer, data []byte) {
	msg, err := protocol.ParseSessionMessage(data)
	if err != nil {
		m.log.Warn("dropping malformed data channel message", "peer", p.fp.Short(), "err", err)
		return
	}
	m.mu.Lock()
	handler := m.onMessage
	m.mu.Unlock()
	if handler != nil {
		handler(p.fp, msg)
	}
}

func (m *Manager) onChannelClose(p *Peer) {
	if !p.markClosed() {
		return
	}
	m.mu.Lock()
	if m.peers[p.fp] == p {
		delete(m.peers, p.fp)
	}
	m.mu.Unlock()
	m.log.Info("data channel closed", "peer", p.fp.Short())
}
