package peer

import (
	"errors"
	"slices"
	"sync"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

var (
	ErrSendQueueFull = errors.New("peer send queue full")
	ErrPeerClosed    = errors.New("peer closed")
)

// PeerState tracks negotiation of one Peer.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerOffering
	PeerAnswering
	PeerConnecting
	PeerOpen
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerOffering:
		return "offering"
	case PeerAnswering:
		return "answering"
	case PeerConnecting:
		return "connecting"
	case PeerOpen:
		return "open"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer is the connection to one remote fingerprint. Messages sent before the
// data channel opens wait in a bounded queue.
type Peer struct {
	fp         protocol.Fingerprint
	transport  Transport
	queueLimit int

	mu    sync.Mutex
	state PeerState
	queue [][]byte
}

func (p *Peer) Fingerprint() protocol.Fingerprint {
	return p.fp
}

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transition performs a compare-and-set on the state.
func (p *Peer) transition(from, to PeerState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	return true
}

// advance moves to next unless the channel already opened or closed.
func (p *Peer) advance(next PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerOpen || p.state == PeerClosed {
		return
	}
	p.state = next
}

// send writes on the open channel or queues. The lock is held across the
// transport write so queued messages are flushed before newer ones.
func (p *Peer) send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case PeerOpen:
		return p.transport.Send(data)
	case PeerClosed:
		return ErrPeerClosed
	}
	if len(p.queue) >= p.queueLimit {
		return ErrSendQueueFull
	}
	p.queue = append(p.queue, data)
	return nil
}

// takeQueue removes and returns the messages waiting for the channel.
func (p *Peer) takeQueue() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queue
	p.queue = nil
	return q
}

// requeue puts msgs ahead of anything already queued, keeping the oldest
// messages within the limit. It returns how many were dropped.
func (p *Peer) requeue(msgs [][]byte) (dropped int) {
	if len(msgs) == 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerClosed {
		return len(msgs)
	}
	q := slices.Concat(msgs, p.queue)
	if len(q) > p.queueLimit {
		dropped = len(q) - p.queueLimit
		q = q[:p.queueLimit]
	}
	p.queue = q
	return dropped
}

// open marks the channel open and flushes the queue in order. It returns the
// number of queued messages that failed to send.
func (p *Peer) open() (flushed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerClosed {
		return 0, 0
	}
	p.state = PeerOpen
	for _, msg := range p.queue {
		if err := p.transport.Send(msg); err != nil {
			failed++
			continue
		}
		flushed++
	}
	p.queue = nil
	return flushed, failed
}

// markClosed reports whether this call performed the transition.
func (p *Peer) markClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerClosed {
		return false
	}
	p.state = PeerClosed
	p.queue = nil
	return true
}

func (p *Peer) isClosed() bool {
	return p.State() == PeerClosed
}
