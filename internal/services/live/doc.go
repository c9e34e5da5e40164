// Package live implements the synchronization core for the marketing site.
//
// It keeps template activation, change fan-out, and client reconciliation
// isolated from page rendering: the web tier reads the active template and
// its sidebar descriptors, subscribers receive sequenced change events over
// WebSocket, and embedded clients converge through snapshot refetches. The
// integrity watchdog that rides along is advisory UX protection only; it can
// end a session whose rendering looks compromised, but it is not a security
// boundary.
package live
