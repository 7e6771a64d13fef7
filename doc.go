// Package talentdeck wires the session-security layer of the TalentDeck
// recruitment dashboard into one runnable application.
//
// The App composes the auth store, token refresh coordinator, inactivity
// monitor, client-side rate limiter, CSRF handshake, and route guard behind
// a chi router, and exposes the session feed WebSocket plus Prometheus and
// OpenTelemetry instrumentation over the whole surface.
package talentdeck
