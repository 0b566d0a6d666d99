// Package sip implements the SIP signaling core: messages, client and
// server transactions with the RFC 3261 timer machinery, dialogs, digest
// authentication and registration on top of pluggable transports.
//
// The package operates on already parsed messages. Wire parsing and
// socket I/O belong to the transport implementations plugged into the
// [Endpoint].
package sip

//go:generate go tool errtrace -w .
