// Package csrf defends mutating requests with a double-submit cookie
// handshake.
//
// The Handler issues a cryptographically random token on GET /csrf-token,
// returned in the JSON body and set as an http-only SameSite=Strict cookie.
// POST /csrf-token verifies a client-supplied token (header or body) against
// the cookie with an exact, constant-time comparison. An attacker who cannot
// read cookies cross-origin cannot forge the matching header.
//
// The Protector is the client side: it caches the body value in memory for
// attaching to request headers and re-fetches when the value is absent or
// explicitly rotated. Verification failure is a hard failure, not a
// retryable one: retrying without re-fetching a token would repeat the same
// failure.
package csrf
