// Package mrpc implements MRPC-EC: a secure, session-oriented,
// bidirectional RPC engine over a self-delimiting XML wire format, with
// ECDH-negotiated AES-256-CBC transport encryption, session reuse, and
// in-band binary attachment streaming.
package mrpc

import (
	"sync"
	"time"
)

// Session aggregates the mutable state of one logical conversation (§3.1).
// A fresh reconnect attempt against the same peer may be handed a pointer
// to the same Session to resume it (§5); Session itself is safe for
// concurrent access via its own mutex, since only the engine's exported
// accessors touch it directly.
type Session struct {
	mu sync.Mutex

	// ServerEndpoint is "host[:port]" of the peer this session talks to.
	ServerEndpoint string

	// SessionKey is the 32-byte AES-256 key, SHA-256(shared_secret). Empty
	// means unestablished.
	SessionKey []byte

	// KeyName is a slot for the opaque identifier of the peer key used at
	// login. The engine neither sets nor reads it; the server's session
	// cache is keyed by Info.
	KeyName string

	// SessionID is the server-assigned session handle; 0 means
	// unassigned.
	SessionID uint32

	// LastUsed is the wall-clock time of the most recent traffic on this
	// session.
	LastUsed time.Time

	// Generated is the wall-clock time SessionKey was derived.
	Generated time.Time

	// Info is, on the client, the base64 of the last ephemeral ECDH
	// public key sent to the server (the "cipher" used as the server's
	// cache key); on the server, the same cipher string as presented by
	// the client. It holds no description of the authenticated principal.
	Info string

	// PublicServerKey is the server's long-term ECDH public key, as
	// learned via MrpcGetPublickey (scenario S5) or configured out of
	// band.
	PublicServerKey string

	// SessionReuseTime is how long a dormant session may be reused; 0
	// disables reuse.
	SessionReuseTime time.Duration

	// KeyValidTime is how long a derived key is accepted; 0 disables
	// expiry.
	KeyValidTime time.Duration

	// AttachmentWhiten is the HKDF-derived whitening key folded into every
	// attachment stream's IV alongside this session's key (see
	// ecdh.DeriveAttachmentWhiteningKey), re-derived whenever SessionKey is.
	AttachmentWhiten []byte
}

// Snapshot is a point-in-time, lock-free copy of a Session's fields, safe
// to inspect without holding the session's mutex.
type Snapshot struct {
	ServerEndpoint   string
	SessionKey       []byte
	KeyName          string
	SessionID        uint32
	LastUsed         time.Time
	Generated        time.Time
	Info             string
	PublicServerKey  string
	SessionReuseTime time.Duration
	KeyValidTime     time.Duration
	AttachmentWhiten []byte
}

// Snapshot returns a copy of s's current fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ServerEndpoint:   s.ServerEndpoint,
		SessionKey:       append([]byte(nil), s.SessionKey...),
		KeyName:          s.KeyName,
		SessionID:        s.SessionID,
		LastUsed:         s.LastUsed,
		Generated:        s.Generated,
		Info:             s.Info,
		PublicServerKey:  s.PublicServerKey,
		SessionReuseTime: s.SessionReuseTime,
		KeyValidTime:     s.KeyValidTime,
		AttachmentWhiten: append([]byte(nil), s.AttachmentWhiten...),
	}
}

// touch records now as the time of the most recent traffic.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.LastUsed = now
	s.mu.Unlock()
}

// install records a freshly derived session key and its accompanying
// attachment whitening key.
func (s *Session) install(key []byte, info string, whiten []byte, now time.Time) {
	s.mu.Lock()
	s.SessionKey = key
	s.Info = info
	s.AttachmentWhiten = whiten
	s.Generated = now
	s.LastUsed = now
	// A fresh key always resets reuse/validity until the peer reasserts
	// policy (§4.5.1 step 2: "clear session_reuse_time and
	// key_valid_time; server will reassign").
	s.SessionReuseTime = 0
	s.KeyValidTime = 0
	s.mu.Unlock()
}

// applyPolicy records the reuse/validity policy conveyed by
// MrpcSessionLoginResult.
func (s *Session) applyPolicy(sessID uint32, reuse, valid time.Duration) {
	s.mu.Lock()
	s.SessionID = sessID
	s.SessionReuseTime = reuse
	s.KeyValidTime = valid
	s.mu.Unlock()
}

// hasKey reports whether a session key has been established.
func (s *Session) hasKey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SessionKey) > 0
}

// keyBytes returns a copy of the current session key, or nil if none is
// established.
func (s *Session) keyBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SessionKey) == 0 {
		return nil
	}
	return append([]byte(nil), s.SessionKey...)
}

// keyName returns the current Info value under lock, used as the KeyName
// advertised on every encryption frame after the handshake.
func (s *Session) keyName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Info
}

// whitenBytes returns a copy of the current attachment whitening key, or
// nil if none has been derived.
func (s *Session) whitenBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.AttachmentWhiten) == 0 {
		return nil
	}
	return append([]byte(nil), s.AttachmentWhiten...)
}

// clear discards the session key, forcing the next handshake to start
// fresh (used after an auth failure or key expiry, §7).
func (s *Session) clear() {
	s.mu.Lock()
	s.SessionKey = nil
	s.AttachmentWhiten = nil
	s.SessionID = 0
	s.mu.Unlock()
}

// adoptFrom copies another Session's identity and key material into s, used
// when the server's handshake finds a cached session for the presented
// cipher (§4.5.5) instead of deriving a fresh key.
func (s *Session) adoptFrom(other *Session) {
	other.mu.Lock()
	key := append([]byte(nil), other.SessionKey...)
	info := other.Info
	whiten := append([]byte(nil), other.AttachmentWhiten...)
	sessID := other.SessionID
	reuse := other.SessionReuseTime
	valid := other.KeyValidTime
	generated := other.Generated
	other.mu.Unlock()

	s.mu.Lock()
	s.SessionKey = key
	s.Info = info
	s.AttachmentWhiten = whiten
	s.SessionID = sessID
	s.SessionReuseTime = reuse
	s.KeyValidTime = valid
	s.Generated = generated
	s.mu.Unlock()
}

// Expired reports whether the session must not be reused as of now (§3.1):
// no key at all, the key has outlived its validity window, or the session
// has been dormant past its reuse window.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SessionKey) == 0 {
		return true
	}
	if s.KeyValidTime > 0 && !s.Generated.Add(s.KeyValidTime).After(now) {
		return true
	}
	if s.SessionReuseTime > 0 && !s.LastUsed.Add(s.SessionReuseTime).After(now) {
		return true
	}
	return false
}

// KeyNeedsRefresh reports whether the session key is old enough, relative
// to its validity window, that the client should proactively refresh it
// (§3.1): the window must itself be at least 10s, and at most 20% of it
// may remain.
func (s *Session) KeyNeedsRefresh(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.KeyValidTime < 10*time.Second {
		return false
	}
	elapsed := now.Sub(s.Generated)
	remaining := s.KeyValidTime - elapsed
	return remaining <= s.KeyValidTime/5
}
