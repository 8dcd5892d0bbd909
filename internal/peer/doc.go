// Package peer turns relayed offer/answer/ICE envelopes into direct WebRTC
// data channels, one per remote fingerprint.
//
// A Manager keeps a single relay connection open (reconnecting after a fixed
// delay), negotiates a Peer per contact, and delivers validated session
// messages received on the data channels. Signaling payloads may be wrapped
// end-to-end through the registered encrypt/decrypt hooks so the relay only
// ever sees ciphertext.
package peer
