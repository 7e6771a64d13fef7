// Package sessiontimeout tracks user inactivity and expires the session.
//
// The Monitor runs a state machine over the countdown:
//
//	Active → Warning → Expired
//
// Active and Warning loop back to Active on any qualifying activity event.
// Warning is entered when the tick crosses the configured threshold and
// raises a one-time notification so the UI can show a countdown prompt.
// Expired is terminal: the monitor forces logout, clears the session, and
// stops itself; a fresh login needs a fresh monitor.
//
// The countdown timer is owned by the monitor: started on creation, stopped
// exactly once on Stop. Extending the session resets the countdown rather
// than replacing the timer.
package sessiontimeout
