package webrtcpeer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// Events are invoked from pion goroutines. Any of them may be nil.
type Events struct {
	// OnICECandidate receives local candidates. End-of-gathering and empty
	// candidates are not reported.
	OnICECandidate func(protocol.ICECandidate)
	// OnOpen fires when the local "data" channel opens.
	OnOpen func()
	// OnMessage receives text messages from the remote "data" channel.
	OnMessage func([]byte)
	// OnClose fires at most once, when the local channel or the connection
	// goes away.
	OnClose func()
}

// Transport owns one PeerConnection and its outbound "data" channel. The
// remote side's channel arrives through OnDataChannel and is only read.
type Transport struct {
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	events Events
	logger *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	closePC   sync.Once
	closeOnce sync.Once
}

func NewTransport(api *webrtc.API, iceServers []webrtc.ICEServer, events Events, logger *slog.Logger) (*Transport, error) {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create %q datachannel: %w", DataChannelLabel, err)
	}

	t := &Transport{
		pc:     pc,
		dc:     dc,
		events: events,
		logger: logger,
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.events.OnICECandidate == nil {
			return
		}
		init := c.ToJSON()
		if init.Candidate == "" {
			return
		}
		t.events.OnICECandidate(protocol.CandidateFromPion(init))
	})

	pc.OnDataChannel(func(remote *webrtc.DataChannel) {
		if err := validateDataChannel(remote); err != nil {
			logger.Warn("rejecting datachannel", "label", remote.Label(), "err", err)
			_ = remote.Close()
			return
		}
		remote.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString || t.events.OnMessage == nil {
				return
			}
			// Copy because pion reuses internal buffers.
			data := append([]byte(nil), msg.Data...)
			t.events.OnMessage(data)
		})
	})

	dc.OnOpen(func() {
		if t.events.OnOpen != nil {
			t.events.OnOpen()
		}
	})
	dc.OnClose(t.fireClose)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			// Close asynchronously so we never block pion's state machine.
			go func() {
				_ = t.Close()
			}()
		case webrtc.PeerConnectionStateClosed:
			t.fireClose()
		}
	})

	return t, nil
}

// CreateOffer creates an offer and applies it as the local description.
func (t *Transport) CreateOffer() (protocol.SDP, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local offer: %w", err)
	}
	return protocol.SDPFromPion(offer), nil
}

// CreateAnswer creates an answer to the applied remote offer and applies it
// as the local description.
func (t *Transport) CreateAnswer() (protocol.SDP, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return protocol.SDP{}, fmt.Errorf("set local answer: %w", err)
	}
	return protocol.SDPFromPion(answer), nil
}

// SetRemoteDescription applies sdp and then any candidates that arrived
// before it.
func (t *Transport) SetRemoteDescription(sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", sdp.Type, err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.logger.Debug("dropping buffered ice candidate", "err", err)
		}
	}
	return nil
}

// AddICECandidate applies a remote candidate, buffering it until a remote
// description is present.
func (t *Transport) AddICECandidate(c protocol.ICECandidate) error {
	init := c.ToPion()

	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, init)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Send writes a text message on the local channel.
func (t *Transport) Send(data []byte) error {
	return t.dc.SendText(string(data))
}

func (t *Transport) Close() error {
	var err error
	t.closePC.Do(func() {
		err = t.pc.Close()
	})
	t.fireClose()
	return err
}

func (t *Transport) fireClose() {
	t.closeOnce.Do(func() {
		if t.events.OnClose != nil {
			t.events.OnClose()
		}
	})
}
