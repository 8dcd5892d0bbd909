package peer_test

import (
	"context"
	"crypto/ecdh"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/auth"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/e2ee"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/peer"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/webrtcpeer"
)

func newVNetAPI(t *testing.T, router *vnet.Router, ip string) *webrtc.API {
	t.Helper()
	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net %s: %v", ip, err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("add net %s: %v", ip, err)
	}
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{VirtualNet: n})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	return api
}

func TestManagers_ShareLocationOverRelayAndVNet(t *testing.T) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	const apiKey = "K"

	counters := metrics.New()
	relay := signaling.NewServer(signaling.Config{Logger: discard, Metrics: counters, Verifier: auth.NewVerifier(apiKey)})
	mux := http.NewServeMux()
	relay.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		relay.Close()
		ts.Close()
	})

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})
	apiA := newVNetAPI(t, router, "10.0.0.1")
	apiB := newVNetAPI(t, router, "10.0.0.2")
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	privA, fpA := newIdentity(t)
	privB, fpB := newIdentity(t)
	keyAB, err := e2ee.DeriveSecretKey(privA, privB.PublicKey())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	keyBA, err := e2ee.DeriveSecretKey(privB, privA.PublicKey())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	newManager := func(api *webrtc.API, key e2ee.SecretKey) *peer.Manager {
		mgr := peer.NewManager(peer.Options{
			SignalingURL:   ts.URL,
			APIKey:         apiKey,
			WebRTCAPI:      api,
			ReconnectDelay: 100 * time.Millisecond,
			Logger:         discard,
		})
		mgr.RegisterEncryptMessage(func(_ protocol.Fingerprint, plaintext []byte) (protocol.Encrypted, error) {
			return e2ee.Encrypt(key, plaintext)
		})
		mgr.RegisterDecryptMessage(func(_ protocol.Fingerprint, data protocol.Encrypted) ([]byte, error) {
			return e2ee.Decrypt(key, data)
		})
		t.Cleanup(mgr.Stop)
		return mgr
	}
	mgrA := newManager(apiA, keyAB)
	mgrB := newManager(apiB, keyBA)

	type received struct {
		from protocol.Fingerprint
		msg  protocol.SessionMessage
	}
	got := make(chan received, 1)
	mgrB.OnMessage(func(from protocol.Fingerprint, msg protocol.SessionMessage) {
		select {
		case got <- received{from, msg}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := mgrB.Start(ctx, fpB, nil); err != nil {
		t.Fatalf("start B: %v", err)
	}
	if err := mgrB.WaitReady(ctx); err != nil {
		t.Fatalf("B ready: %v", err)
	}
	// Registration follows the upgrade, so wait until the relay can route to B.
	for {
		if _, ok := relay.Registry().Lookup(fpB); ok {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("B never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := mgrA.Start(ctx, fpA, []protocol.Fingerprint{fpB}); err != nil {
		t.Fatalf("start A: %v", err)
	}
	start := time.Now()
	want := protocol.NewSessionMessage(start, start.Add(time.Hour), protocol.NewPointFeature(11.58, 48.14))
	if err := mgrA.SendMessage(fpB, want); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case r := <-got:
		if r.from != fpA {
			t.Fatalf("from=%s, want %s", r.from.Short(), fpA.Short())
		}
		if r.msg.Position.Lat() != 48.14 || !r.msg.End.Equal(want.End) {
			t.Fatalf("msg=%+v, want %+v", r.msg, want)
		}
	case <-ctx.Done():
		t.Fatalf("location never arrived (A=%v B=%v)", peerState(mgrA, fpB), peerState(mgrB, fpA))
	}

	if st, _ := mgrA.PeerState(fpB); st != peer.PeerOpen {
		t.Fatalf("A peer state=%v, want open", st)
	}
	if counters.Get(metrics.EnvelopesForwarded) == 0 {
		t.Fatalf("relay forwarded nothing")
	}
}

func newIdentity(t *testing.T) (*ecdh.PrivateKey, protocol.Fingerprint) {
	t.Helper()
	priv, err := e2ee.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	jwk, err := e2ee.PublicJWK(priv.PublicKey())
	if err != nil {
		t.Fatalf("PublicJWK: %v", err)
	}
	fp, err := e2ee.GenerateFingerprint(jwk)
	if err != nil {
		t.Fatalf("GenerateFingerprint: %v", err)
	}
	return priv, fp
}

func peerState(m *peer.Manager, fp protocol.Fingerprint) string {
	st, ok := m.PeerState(fp)
	if !ok {
		return "none"
	}
	return st.String()
}
