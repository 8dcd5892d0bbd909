package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

// Options tune the pion API shared by every transport of one client.
type Options struct {
	// UDPPortMin and UDPPortMax restrict the ephemeral ICE ports. Both zero
	// means any port.
	UDPPortMin uint16
	UDPPortMax uint16

	// VirtualNet replaces the host network, used by tests.
	VirtualNet *vnet.Net

	// Logger receives pion's internal logs. Nil keeps pion's default logger.
	Logger *slog.Logger
}

func NewAPI(opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api, nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts Options) error {
	if opts.UDPPortMin != 0 || opts.UDPPortMax != 0 {
		if opts.UDPPortMin == 0 || opts.UDPPortMax < opts.UDPPortMin {
			return fmt.Errorf("invalid udp port range %d-%d", opts.UDPPortMin, opts.UDPPortMax)
		}
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if opts.VirtualNet != nil {
		se.SetNet(opts.VirtualNet)
	}
	return nil
}
