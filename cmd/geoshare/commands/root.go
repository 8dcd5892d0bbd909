package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/config"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/contacts"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/peer"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/webrtcpeer"
)

// env is the state shared by every subcommand.
type env struct {
	dataDir        string
	signalingURL   string
	apiKey         string
	stunURLs       string
	reconnectDelay time.Duration
	logLevel       string

	now func() time.Time
}

func Execute() error {
	root := NewRootCommand()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	}
	return err
}

// NewRootCommand builds the command tree with flags defaulted from the
// environment.
func NewRootCommand() *cobra.Command {
	e := &env{now: time.Now}

	root := &cobra.Command{
		Use:           "geoshare",
		Short:         "Share your location with contacts over end-to-end encrypted peer connections",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&e.dataDir, "data-dir", config.DefaultDataDir(), "directory holding the identity and contacts (env "+config.EnvClientDataDir+")")
	pf.StringVar(&e.signalingURL, "signaling-url", config.EnvOrDefault(config.EnvClientSignalingURL, config.DefaultClientSignalingURL), "signaling relay WebSocket URL (env "+config.EnvClientSignalingURL+")")
	pf.StringVar(&e.apiKey, "api-key", config.EnvOrDefault(config.EnvClientAPIKey, ""), "signaling relay API key (env "+config.EnvClientAPIKey+")")
	pf.StringVar(&e.stunURLs, "stun-urls", config.EnvOrDefault(config.EnvClientSTUNURLs, config.DefaultClientSTUNURLs), "comma-separated STUN URLs (env "+config.EnvClientSTUNURLs+")")
	pf.DurationVar(&e.reconnectDelay, "reconnect-delay", config.DefaultReconnectDelay, "delay before reconnecting to the signaling relay")
	pf.StringVar(&e.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		identityCmd(e),
		contactsCmd(e),
		shareCmd(e),
		listenCmd(e),
		discoverCmd(e),
	)
	return root
}

func (e *env) logger(cmd *cobra.Command) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(e.logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", e.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})), nil
}

func (e *env) openStore() (*contacts.Store, error) {
	store, _, err := contacts.Open(e.dataDir)
	return store, err
}

// withBook opens the store and loads the identity and contacts for fn.
func (e *env) withBook(fn func(store *contacts.Store, book *contacts.Book) error) error {
	store, err := e.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	book, err := contacts.LoadBook(store)
	if errors.Is(err, contacts.ErrNoIdentity) {
		return errors.New("no identity yet; run `geoshare identity init <username>` first")
	}
	if err != nil {
		return err
	}
	return fn(store, book)
}

// newManager builds a peer manager whose signaling is sealed with book's keys.
func (e *env) newManager(book *contacts.Book, logger *slog.Logger) (*peer.Manager, error) {
	ice, err := config.ClientICEServers(e.stunURLs)
	if err != nil {
		return nil, err
	}
	api, err := webrtcpeer.NewAPI(webrtcpeer.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	m := peer.NewManager(peer.Options{
		SignalingURL:   e.signalingURL,
		APIKey:         e.apiKey,
		ICEServers:     ice,
		ReconnectDelay: e.reconnectDelay,
		WebRTCAPI:      api,
		Logger:         logger,
	})
	m.RegisterEncryptMessage(book.EncryptForContact)
	m.RegisterDecryptMessage(book.DecryptFromContact)
	return m, nil
}
