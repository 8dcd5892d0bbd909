// Package session keeps the bounded-lifetime location sharing sessions a
// client takes part in, and binds them to the peer manager.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/geoshare/internal/protocol"
)

// Session is one direction of sharing: From sends positions to To until End.
type Session struct {
	From         protocol.Fingerprint
	To           protocol.Fingerprint
	Start        time.Time
	End          time.Time
	LastPosition *protocol.Feature
}

// ActiveAt reports whether now is strictly before End.
func (s Session) ActiveAt(now time.Time) bool {
	return now.Before(s.End)
}

// ContactSessions groups the active sessions with one contact.
type ContactSessions struct {
	Incoming *Session
	Outgoing *Session
}

type key struct {
	from, to protocol.Fingerprint
}

// Store is an in-memory session list keyed by (From, To). It is safe for
// concurrent use.
type Store struct {
	now func() time.Time

	mu       sync.Mutex
	sessions []Session
	index    map[key]int
}

// NewStore returns an empty store. A nil now uses time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, index: make(map[key]int)}
}

// Upsert replaces the session with the same (From, To) or appends s.
func (st *Store) Upsert(s Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	k := key{s.From, s.To}
	if i, ok := st.index[k]; ok {
		st.sessions[i] = s
		return
	}
	st.index[k] = len(st.sessions)
	st.sessions = append(st.sessions, s)
}

// All returns every session in insertion order.
func (st *Store) All() []Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return slices.Clone(st.sessions)
}

func (st *Store) Active() []Session {
	now := st.now()
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if s.ActiveAt(now) {
			out = append(out, s)
		}
	}
	return out
}

// ActivePerContact indexes active sessions by the other party. Sessions sent
// by me are outgoing; everything else is incoming.
func (st *Store) ActivePerContact(me protocol.Fingerprint) map[protocol.Fingerprint]ContactSessions {
	out := make(map[protocol.Fingerprint]ContactSessions)
	for _, s := range st.Active() {
		if s.From == me {
			cs := out[s.To]
			cs.Outgoing = &s
			out[s.To] = cs
			continue
		}
		cs := out[s.From]
		cs.Incoming = &s
		out[s.From] = cs
	}
	return out
}

// ActiveFingerprints lists contacts with an active session, sorted.
func (st *Store) ActiveFingerprints(me protocol.Fingerprint) []protocol.Fingerprint {
	per := st.ActivePerContact(me)
	out := make([]protocol.Fingerprint, 0, len(per))
	for fp := range per {
		out = append(out, fp)
	}
	slices.Sort(out)
	return out
}

func (st *Store) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions = nil
	st.index = make(map[key]int)
}
