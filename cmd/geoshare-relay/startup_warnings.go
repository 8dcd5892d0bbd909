package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.APIKey == "" {
		logger.Warn("startup security warning: SIGNALING_API_KEY is unset (any client may register and relay envelopes)",
			"warning_code", "api_key_unset",
			"mode", cfg.Mode,
		)
	}

	switch {
	case len(cfg.AllowedOrigins) == 0:
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty (allows any browser origin)",
			"warning_code", "allowed_origins_unrestricted",
			"mode", cfg.Mode,
		)
	case slices.Contains(cfg.AllowedOrigins, "*"):
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-connection buffering)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MDNS {
		logger.Warn("startup security warning: mDNS advertising is enabled while --mode=prod (announces the relay to the local network)",
			"warning_code", "mdns_in_prod",
			"mdns_instance", cfg.MDNSInstance,
			"mode", cfg.Mode,
		)
	}
}
