package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/contacts"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/session"
)

func listenCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print positions your contacts share with you",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withBook(func(_ *contacts.Store, book *contacts.Book) error {
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

				w := cmd.OutOrStdout()
				h.OnIncoming(func(s session.Session) {
					fmt.Fprintln(w, formatIncoming(book.Username(s.From), s))
				})

				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				me := book.Identity().Fingerprint
				if err := h.Start(ctx, me); err != nil {
					return err
				}
				fmt.Fprintf(w, "Listening as %s (%s). Press Ctrl-C to stop.\n", book.Identity().Username, me.Short())

				<-ctx.Done()
				return nil
			})
		},
	}
}

func formatIncoming(username string, s session.Session) string {
	if s.LastPosition == nil {
		return fmt.Sprintf("%s (%s) started sharing until %s", username, s.From.Short(), s.End.Local().Format(time.Kitchen))
	}
	return fmt.Sprintf("%s (%s) %.6f,%.6f until %s",
		username, s.From.Short(), s.LastPosition.Lat(), s.LastPosition.Lon(), s.End.Local().Format(time.Kitchen))
}
