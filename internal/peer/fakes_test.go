package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

var (
	fpA = protocol.Fingerprint(strings.Repeat("a", 64))
	fpB = protocol.Fingerprint(strings.Repeat("b", 64))
	fpC = protocol.Fingerprint(strings.Repeat("c", 64))
)

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	url         string
	subprotocol string

	in   chan []byte
	sent chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket(url, subprotocol string) *fakeSocket {
	return &fakeSocket{
		url:         url,
		subprotocol: subprotocol,
		in:          make(chan []byte, 16),
		sent:        make(chan []byte, 64),
		closed:      make(chan struct{}),
	}
}

func (s *fakeSocket) Send(data []byte) error {
	select {
	case <-s.closed:
		return errSocketClosed
	default:
	}
	s.sent <- append([]byte(nil), data...)
	return nil
}

func (s *fakeSocket) Receive() ([]byte, error) {
	select {
	case msg := <-s.in:
		return msg, nil
	case <-s.closed:
		return nil, errSocketClosed
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// deliver pushes an envelope as if the relay forwarded it.
func (s *fakeSocket) deliver(t *testing.T, from, to protocol.Fingerprint, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(from, to, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s.in <- raw
}

// next returns the next envelope the manager sent.
func (s *fakeSocket) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case raw := <-s.sent:
		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("manager sent malformed envelope %s: %v", raw, err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for outbound envelope")
		return protocol.Envelope{}
	}
}

func (s *fakeSocket) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case raw := <-s.sent:
		t.Fatalf("unexpected outbound envelope %s", raw)
	case <-time.After(d):
	}
}

// fakeRelay is a SocketFactory handing out fakeSockets.
type fakeRelay struct {
	mu       sync.Mutex
	failures int
	gate     chan struct{}
	dials    chan *fakeSocket
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{dials: make(chan *fakeSocket, 8)}
}

func (r *fakeRelay) dial(ctx context.Context, url, subprotocol string) (Socket, error) {
	r.mu.Lock()
	gate := r.gate
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("dial refused")
	}
	s := newFakeSocket(url, subprotocol)
	r.dials <- s
	return s, nil
}

func (r *fakeRelay) nextDial(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-r.dials:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for relay dial")
		return nil
	}
}

type transportCalls struct {
	offers     int
	answers    int
	remote     []protocol.SDP
	candidates []protocol.ICECandidate
	sent       []string
	closed     bool
}

type fakeTransport struct {
	ev TransportEvents
	// beforeOffer runs at the start of CreateOffer when set.
	beforeOffer func()

	mu      sync.Mutex
	calls   transportCalls
	sendErr error
}

func (f *fakeTransport) CreateOffer() (protocol.SDP, error) {
	if f.beforeOffer != nil {
		f.beforeOffer()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.offers++
	return protocol.SDP{Type: protocol.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (f *fakeTransport) CreateAnswer() (protocol.SDP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.answers++
	return protocol.SDP{Type: protocol.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(sdp protocol.SDP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.remote = append(f.calls.remote, sdp)
	return nil
}

func (f *fakeTransport) AddICECandidate(c protocol.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.candidates = append(f.calls.candidates, c)
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.calls.sent = append(f.calls.sent, string(data))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	already := f.calls.closed
	f.calls.closed = true
	f.mu.Unlock()
	if !already && f.ev.OnClose != nil {
		f.ev.OnClose()
	}
	return nil
}

func (f *fakeTransport) snapshot() transportCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls
	c.remote = append([]protocol.SDP(nil), c.remote...)
	c.candidates = append([]protocol.ICECandidate(nil), c.candidates...)
	c.sent = append([]string(nil), c.sent...)
	return c
}

type fakeTransports struct {
	created     chan *fakeTransport
	beforeOffer func()
}

func (f *fakeTransports) factory(ev TransportEvents) (Transport, error) {
	t := &fakeTransport{ev: ev, beforeOffer: f.beforeOffer}
	f.created <- t
	return t, nil
}

func (f *fakeTransports) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.created:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transport creation")
		return nil
	}
}

func (f *fakeTransports) expectNone(t *testing.T) {
	t.Helper()
	select {
	case <-f.created:
		t.Fatalf("unexpected transport created")
	default:
	}
}

type harness struct {
	m          *Manager
	relay      *fakeRelay
	transports *fakeTransports
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		relay:      newFakeRelay(),
		transports: &fakeTransports{created: make(chan *fakeTransport, 16)},
	}
	if opts.SignalingURL == "" {
		opts.SignalingURL = "ws://relay.test:6000"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts.Socket = h.relay.dial
	opts.Transport = h.transports.factory
	h.m = NewManager(opts)
	t.Cleanup(h.m.Stop)
	return h
}

// start brings the manager up as me and returns the relay socket.
func (h *harness) start(t *testing.T, me protocol.Fingerprint, known ...protocol.Fingerprint) *fakeSocket {
	t.Helper()
	if err := h.m.Start(context.Background(), me, known); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sock := h.relay.nextDial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.m.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	return sock
}

func decodeSDP(t *testing.T, env protocol.Envelope) protocol.SDP {
	t.Helper()
	p, err := protocol.DecodePayload(env.Data)
	if err != nil || p.Kind != protocol.PayloadSDP {
		t.Fatalf("payload %s: kind=%v err=%v, want sdp", env.Data, p.Kind, err)
	}
	return *p.SDP
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sessionMessage(t *testing.T) protocol.SessionMessage {
	t.Helper()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return protocol.NewSessionMessage(start, start.Add(time.Hour), protocol.NewPointFeature(13.4, 52.5))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
