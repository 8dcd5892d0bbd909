// Package signaling is the WebSocket relay that routes opaque envelopes
// between two named parties, plus the client used to dial it.
//
// The relay only parses the envelope header ({from, to, data}); data is
// forwarded byte-for-byte and never logged.
package signaling
