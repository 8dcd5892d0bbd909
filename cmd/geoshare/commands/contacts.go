package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/contacts"
	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

func contactsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "contacts",
		Aliases: []string{"contact"},
		Short:   "Manage the people you share locations with",
	}
	cmd.AddCommand(contactsAddCmd(e), contactsListCmd(e), contactsRemoveCmd(e))
	return cmd
}

func contactsAddCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "add <share-link-or-payload>",
		Short: "Add a contact from their share link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := contacts.ParseShare(args[0], e.now())
			if err != nil {
				return err
			}
			return e.withBook(func(_ *contacts.Store, book *contacts.Book) error {
				if err := book.Add(c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", c.Username, c.Fingerprint)
				return nil
			})
		},
	}
}

func contactsListCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List contacts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withBook(func(_ *contacts.Store, book *contacts.Book) error {
				list := book.Contacts()
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No contacts.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "USERNAME\tFINGERPRINT\tADDED")
				for _, c := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Username, c.Fingerprint, c.AddedAt.UTC().Format("2006-01-02"))
				}
				return tw.Flush()
			})
		},
	}
}

func contactsRemoveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <fingerprint-or-username>",
		Aliases: []string{"rm"},
		Short:   "Remove a contact",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withBook(func(_ *contacts.Store, book *contacts.Book) error {
				c, err := resolveContact(book, args[0])
				if err != nil {
					return err
				}
				if err := book.Remove(c.Fingerprint); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", c.Username, c.Fingerprint.Short())
				return nil
			})
		},
	}
}

// resolveContact accepts a full fingerprint, a fingerprint prefix of at
// least 8 characters, or an exact username.
func resolveContact(book *contacts.Book, ref string) (contacts.Contact, error) {
	ref = strings.TrimSpace(ref)
	if fp, err := protocol.ParseFingerprint(strings.ToLower(ref)); err == nil {
		if c, ok := book.Contact(fp); ok {
			return c, nil
		}
		return contacts.Contact{}, fmt.Errorf("%w: %s", contacts.ErrContactNotFound, fp.Short())
	}

	var matches []contacts.Contact
	for _, c := range book.Contacts() {
		if c.Username == ref || (len(ref) >= 8 && strings.HasPrefix(string(c.Fingerprint), strings.ToLower(ref))) {
			matches = append(matches, c)
		}
	}
	switch len(matches) {
	case 0:
		return contacts.Contact{}, fmt.Errorf("%w: %q", contacts.ErrContactNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return contacts.Contact{}, fmt.Errorf("%q matches %d contacts; use the fingerprint", ref, len(matches))
	}
}
