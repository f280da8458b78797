// Package dedupe drops repeated keys seen within a time window.
//
// The gateway keys request frames by connection and frame id so a client
// that retransmits a chat.send after a reconnect hiccup does not start a
// second run.
package dedupe
