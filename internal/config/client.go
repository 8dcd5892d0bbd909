package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4"
)

// Environment consumed by the geoshare client CLI.
const (
	EnvClientSignalingURL = "GEOSHARE_SIGNALING_URL"
	EnvClientAPIKey       = "GEOSHARE_SIGNALING_API_KEY"
	EnvClientSTUNURLs     = envStunURLs
	EnvClientDataDir      = "GEOSHARE_DATA_DIR"
)

const (
	DefaultClientSignalingURL = "ws://localhost:6000"
	DefaultClientSTUNURLs     = "stun:stun.sipgate.net,stun:stun.services.mozilla.com"
	DefaultReconnectDelay     = 5 * time.Second
)

// EnvOrDefault reads key from the process environment.
func EnvOrDefault(key, fallback string) string {
	return envOrDefault(os.LookupEnv, key, fallback)
}

// DefaultDataDir is where the client keeps its identity and contacts.
func DefaultDataDir() string {
	if dir := EnvOrDefault(EnvClientDataDir, ""); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".geoshare"
	}
	return filepath.Join(base, "geoshare")
}

// ClientICEServers builds the peer connection's STUN list.
func ClientICEServers(stunURLs string) ([]webrtc.ICEServer, error) {
	return ParseICEServersFromConvenienceEnv(stunURLs, "", "", "", false)
}
