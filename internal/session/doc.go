// Package session tracks captcha challenge sessions from admission to their
// single terminal outcome.
//
// A Registry holds every pending Session keyed by its correlation id. The only
// way a session leaves the registry is Registry.CompleteOnce (or Drain, which
// calls it for every pending session): the first call for an id marks the
// session responded, removes it, hands the Outcome to the session's Sink and
// closes the resources attached to it. Every later call for the same id is a
// no-op that returns false, so a requester sees at most one response no matter
// how many solve, close or deadline signals race for the session.
package session
