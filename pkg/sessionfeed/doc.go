// Package sessionfeed streams session-countdown events to dashboard tabs
// over WebSocket.
//
// Each connected tab receives a snapshot frame on connect, countdown frames
// while the warning prompt is showing, and a terminal expired frame when the
// session times out. Tabs report user interactions and stay-signed-in
// requests back over the same connection, so activity in any tab feeds the
// shared timeout monitor.
package sessionfeed
