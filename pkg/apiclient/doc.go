// Package apiclient is the authenticated HTTP client for the dashboard's
// backend API.
//
// Every request carries the session's bearer token. Mutating requests
// additionally pass the client-side rate limiter and carry the CSRF token
// header. A 401 response triggers exactly one token refresh through the
// coordinator followed by one retry; a second 401 means the session is gone
// and the call fails with ErrAuthExpired. Transient network errors are
// retried with bounded exponential backoff; HTTP error statuses are not.
package apiclient
