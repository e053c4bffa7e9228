// Package dbus is a client for the D-Bus message bus protocol. It speaks
// the wire protocol over a Unix domain socket or TCP, authenticates via
// SASL (EXTERNAL, DBUS_COOKIE_SHA1, ANONYMOUS), and exposes an
// event-driven Connection for exchanging method calls, returns, errors,
// and signals with a bus daemon or peer.
package dbus
