// Package commands defines the geoshare CLI.
//
// Commands
//
//   - identity init|show|share   Manage the local key pair and share it
//   - contacts add|list|remove   Manage the people you exchange locations with
//   - share                      Send your position to contacts for a while
//   - listen                     Print positions contacts share with you
//   - discover                   Find signaling relays on the local network
//
// The identity and contacts live in a SQLite database under --data-dir.
// Sessions are kept in memory for the lifetime of a share or listen run.
package commands
