package metrics

import "sync"

// Relay event names. Each is exported as one `event` label value.
const (
	ConnectionsOpened   = "connections_opened"
	ConnectionsClosed   = "connections_closed"
	ConnectionReplaced  = "connection_replaced"
	EnvelopesForwarded  = "envelopes_forwarded"
	DroppedUnroutable   = "dropped_unroutable"
	DroppedMalformed    = "dropped_malformed"
	DroppedRateLimited  = "dropped_rate_limited"
	DroppedNonText      = "dropped_non_text"
	ClosedTooLarge      = "closed_message_too_large"
	RejectedOrigin      = "rejected_origin"
	RejectedAPIKey      = "rejected_api_key"
	RejectedClientID    = "rejected_client_id"
	ForwardWriteFailure = "forward_write_failed"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil registry so callers can leave metrics unset.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
