package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/config"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/discovery"
)

func discoverCmd(_ *env) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find signaling relays on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			relays, err := discovery.Browse(cmd.Context(), discovery.Config{BrowseTimeout: timeout})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			w := cmd.OutOrStdout()
			if len(relays) == 0 {
				fmt.Fprintln(w, "No relays found.")
				return nil
			}
			for _, r := range relays {
				fmt.Fprintf(w, "%s\t%s\n", r.Instance, r.URL())
			}
			fmt.Fprintf(w, "\nUse one with --signaling-url or %s.\n", config.EnvClientSignalingURL)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultBrowseTimeout, "how long to listen for announcements")
	return cmd
}
