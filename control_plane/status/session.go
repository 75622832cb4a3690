package status

import (
	"time"

	"github.com/itskum47/SettingsForge/control_plane/store"
)

// expiryGrace is added to twice the poll interval before a session expires.
const expiryGrace = 50 * time.Millisecond

// ExpiresAt returns when s stops being live. ok is false when the session
// never negotiated a poll interval and therefore cannot expire by time.
func ExpiresAt(s *store.RunSession, fallback time.Duration) (at time.Time, ok bool) {
	if !s.PollIntervalMs.Set {
		return time.Time{}, false
	}
	window := 2*time.Duration(s.PollIntervalMs.Value)*time.Millisecond + expiryGrace
	if fallback > window {
		window = fallback
	}
	return s.LastSeen.Add(window), true
}

// IsExpired reports whether now is strictly past the session's expiry.
func IsExpired(s *store.RunSession, now time.Time, fallback time.Duration) bool {
	at, ok := ExpiresAt(s, fallback)
	return ok && now.After(at)
}

// prune removes expired sessions other than keep and returns them.
func prune(status *store.ClientStatus, keep string, now time.Time, fallback time.Duration) []*store.RunSession {
	var expired []*store.RunSession
	live := status.RunSessions[:0]
	for _, s := range status.RunSessions {
		if s.RunSessionID != keep && IsExpired(s, now, fallback) {
			expired = append(expired, s)
			continue
		}
		live = append(live, s)
	}
	for i := len(live); i < len(status.RunSessions); i++ {
		status.RunSessions[i] = nil
	}
	status.RunSessions = live
	return expired
}
