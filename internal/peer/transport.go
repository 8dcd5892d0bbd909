package peer

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/webrtcpeer"
)

// Socket is a connected relay client.
type Socket interface {
	Send(data []byte) error
	// Receive blocks for the next text message and fails once the socket
	// closes.
	Receive() ([]byte, error)
	Close() error
}

// SocketFactory dials the relay. url already carries the id and apiKey
// query parameters.
type SocketFactory func(ctx context.Context, url, subprotocol string) (Socket, error)

// Transport is one peer connection plus its outbound data channel.
type Transport interface {
	CreateOffer() (protocol.SDP, error)
	CreateAnswer() (protocol.SDP, error)
	SetRemoteDescription(protocol.SDP) error
	AddICECandidate(protocol.ICECandidate) error
	Send(data []byte) error
	Close() error
}

// TransportEvents are the callbacks a Transport reports through. Calls may
// arrive on any goroutine.
type TransportEvents struct {
	OnICECandidate func(protocol.ICECandidate)
	OnOpen         func()
	OnMessage      func([]byte)
	OnClose        func()
}

// TransportFactory creates the Transport for a new Peer.
type TransportFactory func(TransportEvents) (Transport, error)

// DialSocket is the default SocketFactory.
func DialSocket(ctx context.Context, url, subprotocol string) (Socket, error) {
	conn, err := signaling.Dial(ctx, url, subprotocol)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// PionTransportFactory builds pion-backed transports. A nil api uses pion's
// defaults.
func PionTransportFactory(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) TransportFactory {
	return func(ev TransportEvents) (Transport, error) {
		t, err := webrtcpeer.NewTransport(api, iceServers, webrtcpeer.Events{
			OnICECandidate: ev.OnICECandidate,
			OnOpen:         ev.OnOpen,
			OnMessage:      ev.OnMessage,
			OnClose:        ev.OnClose,
		}, logger)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}
