// Package app provides the application service layer.
//
// SessionService owns the consultation lifecycle and starts a Meter per
// active session. Relay forwards signaling and chat between the two parties,
// WalletService handles operator top-ups, and Reaper and LedgerAuditor run
// the periodic housekeeping. Everything depends on domain interfaces, not on
// concrete adapters.
package app
