package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/contacts"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/session"
)

const (
	defaultShareDuration = time.Hour
	defaultShareInterval = 10 * time.Second
)

func shareCmd(e *env) *cobra.Command {
	var (
		to       []string
		duration time.Duration
		interval time.Duration
		lat, lon float64
	)
	cmd := &cobra.Command{
		Use:   "share --to <contact> [--lat <deg> --lon <deg>]",
		Short: "Share your position with contacts",
		Long: `Share your position with one or more contacts until --for elapses.

With --lat and --lon the position is fixed and resent every --interval.
Otherwise positions are read from stdin, one per line, as "lat,lon",
"lat lon" or a GeoJSON Point Feature, and each is sent as it arrives.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration <= 0 {
				return errors.New("--for must be positive")
			}
			fixed := cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon")
			var fixedPosition protocol.Feature
			if fixed {
				if !cmd.Flags().Changed("lat") || !cmd.Flags().Changed("lon") {
					return errors.New("--lat and --lon must be given together")
				}
				fixedPosition = protocol.NewPointFeature(lon, lat)
				if err := fixedPosition.Validate(); err != nil {
					return err
				}
				if interval <= 0 {
					return errors.New("--interval must be positive")
				}
			}

			return e.withBook(func(_ *contacts.Store, book *contacts.Book) error {
				var recipients []contacts.Contact
				for _, ref := range to {
					c, err := resolveContact(book, ref)
					if err != nil {
						return err
					}
					recipients = append(recipients, c)
				}

				logger, err := e.logger(cmd)
				if err != nil {
					return err
				}
				m, err := e.newManager(book, logger)
				if err != nil {
					return err
				}
				defer m.Stop()

				store := session.NewStore(e.now)
				h := session.NewHandler(store, m, logger)
				defer h.StopSessions()

				end := e.now().Add(duration)
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				ctx, cancel := context.WithDeadline(ctx, end)
				defer cancel()

				me := book.Identity().Fingerprint
				if err := h.Start(ctx, me); err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, c := range recipients {
					if err := h.StartSession(c.Fingerprint, end); err != nil {
						return err
					}
					fmt.Fprintf(w, "Sharing with %s (%s) until %s\n", c.Username, c.Fingerprint.Short(), end.Format(time.Kitchen))
				}

				send := func(position protocol.Feature) {
					n, err := h.SendToSessions(position)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
					}
					logger.Debug("position sent", "sessions", n, "lat", position.Lat(), "lon", position.Lon())
				}

				var positions <-chan protocol.Feature
				if fixed {
					positions = repeatPosition(ctx, fixedPosition, interval)
				} else {
					positions = readPositions(ctx, cmd.InOrStdin(), func(err error) {
						fmt.Fprintf(cmd.ErrOrStderr(), "skipping line: %v\n", err)
					})
				}

				for {
					select {
					case p, ok := <-positions:
						if !ok {
							// Keep the sessions up so queued positions still reach peers
							// whose channels have not opened yet.
							positions = nil
							continue
						}
						send(p)
					case <-ctx.Done():
						if errors.Is(ctx.Err(), context.DeadlineExceeded) {
							fmt.Fprintln(w, "Sharing ended.")
						}
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "contact fingerprint or username (repeatable)")
	cmd.Flags().DurationVar(&duration, "for", defaultShareDuration, "how long to share")
	cmd.Flags().DurationVar(&interval, "interval", defaultShareInterval, "resend interval for a fixed position")
	cmd.Flags().Float64Var(&lat, "lat", 0, "fixed latitude in degrees")
	cmd.Flags().Float64Var(&lon, "lon", 0, "fixed longitude in degrees")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func repeatPosition(ctx context.Context, position protocol.Feature, interval time.Duration) <-chan protocol.Feature {
	out := make(chan protocol.Feature)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case out <- position:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// readPositions parses r line by line until EOF or ctx is done. Lines that
// do not parse are reported to onError and skipped.
func readPositions(ctx context.Context, r io.Reader, onError func(error)) <-chan protocol.Feature {
	out := make(chan protocol.Feature)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			p, err := parsePosition(line)
			if err != nil {
				onError(err)
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			onError(err)
		}
	}()
	return out
}

// parsePosition accepts "lat,lon", "lat lon" or a GeoJSON Point Feature.
func parsePosition(line string) (protocol.Feature, error) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "{") {
		var f protocol.Feature
		if err := json.Unmarshal([]byte(line), &f); err != nil {
			return protocol.Feature{}, fmt.Errorf("parse feature: %w", err)
		}
		if err := f.Validate(); err != nil {
			return protocol.Feature{}, err
		}
		return f, nil
	}

	fields := strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) != 2 {
		return protocol.Feature{}, fmt.Errorf("want \"lat,lon\", got %q", line)
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return protocol.Feature{}, fmt.Errorf("latitude %q: %w", fields[0], err)
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return protocol.Feature{}, fmt.Errorf("longitude %q: %w", fields[1], err)
	}
	f := protocol.NewPointFeature(lon, lat)
	if err := f.Validate(); err != nil {
		return protocol.Feature{}, err
	}
	return f, nil
}
