// Package guard computes route-authorization decisions from session state.
//
// Evaluate is a pure function over the current session snapshot and a
// route's requirements. Decisions are pending (auth not yet initialized),
// allow, or deny; denials always carry a redirect target and a reason
// string for diagnostics; a route is never silently denied.
//
// Decisions are not one-time checks at mount: a Watcher re-evaluates on
// every committed store mutation (token refreshed, logout forced) and
// reports changes to its callback. The Middleware applies the same
// decisions at the HTTP edge, skipping API and static asset paths and
// stamping authenticated pages with no-store cache headers.
package guard
