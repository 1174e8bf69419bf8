// Package output renders decoded events.
//
// Formatters are pure sinks: they receive an event and the custom
// attributes already evaluated for it, and do not decode, look up process
// metadata or evaluate expressions.
//
//   - TextFormatter: "PID: 1234, CMD: bash, FILE: /tmp/x" lines
//   - JSONFormatter: one JSON object per line
//   - OTELFormatter: one span per event under a session span
//
// Funnel joins several concurrently running streams onto one formatter.
// All formatters are safe for concurrent use.
package output
