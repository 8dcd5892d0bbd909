package commands

import (
	"errors"
	"fmt"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/contacts"
)

// DefaultShareBaseURL prefixes share links; the payload rides in its query.
const DefaultShareBaseURL = "https://geoshare.app/add"

func identityCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage your key pair",
	}
	cmd.AddCommand(identityInitCmd(e), identityShowCmd(e), identityShareCmd(e))
	return cmd
}

func identityInitCmd(e *env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <username>",
		Short: "Generate a new identity",
		Long:  "Generate a new key pair. With --force an existing identity is replaced; contacts must then re-add you.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := e.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			existing, err := store.Identity()
			switch {
			case err == nil && !force:
				return fmt.Errorf("identity %s already exists; pass --force to replace it", existing.Fingerprint.Short())
			case err != nil && !errors.Is(err, contacts.ErrNoIdentity):
				return err
			}

			id, err := contacts.NewIdentity(args[0], e.now())
			if err != nil {
				return err
			}
			if err := store.SaveIdentity(id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity created.\nUsername: %s\nFingerprint: %s\n", id.Username, id.Fingerprint)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

func identityShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print your username and fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withBook(func(_ *contacts.Store, book *contacts.Book) error {
				id := book.Identity()
				fmt.Fprintf(cmd.OutOrStdout(), "Username: %s\nFingerprint: %s\nCreated: %s\n",
					id.Username, id.Fingerprint, id.CreatedAt.UTC().Format("2006-01-02 15:04:05Z"))
				return nil
			})
		},
	}
}

func identityShareCmd(e *env) *cobra.Command {
	var (
		qr      bool
		baseURL string
		bare    bool
	)
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Print a link contacts can add you with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withBook(func(_ *contacts.Store, book *contacts.Book) error {
				var (
					out string
					err error
				)
				if bare {
					out, err = contacts.EncodeShare(book.Identity())
				} else {
					out, err = contacts.ShareURL(baseURL, book.Identity())
				}
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				fmt.Fprintln(w, out)
				if qr {
					fmt.Fprintln(w)
					qrterminal.GenerateWithConfig(out, qrterminal.Config{
						Level:     qrterminal.M,
						Writer:    w,
						BlackChar: qrterminal.BLACK,
						WhiteChar: qrterminal.WHITE,
						QuietZone: 1,
					})
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also render the link as a terminal QR code")
	cmd.Flags().StringVar(&baseURL, "base-url", DefaultShareBaseURL, "URL the share payload is attached to")
	cmd.Flags().BoolVar(&bare, "bare", false, "print only the base64 payload")
	return cmd
}
