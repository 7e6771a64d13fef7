// Package authstore holds the process-wide authentication session state and
// coordinates token refresh.
//
// The Store is an explicit state container: create one with New, pass it by
// reference to every consumer, and tear it down with Reset in tests. All
// mutations go through SetAuth and ClearAuth; consumers observe committed
// mutations through Subscribe.
//
// The Coordinator obtains a new access token when the current one is near
// expiry or rejected. Concurrent callers are coalesced onto a single
// in-flight attempt (exactly one network call per refresh cycle) and all
// waiters observe the same outcome. Refresh failure fails closed: the session
// is cleared and every waiter receives a terminal error. Retry policy belongs
// to the caller (typically one retry on a 401 observed by the HTTP client
// wrapper, then forced logout).
package authstore
