package dbus

import "fmt"

// ProtocolError indicates a codec, framing, or state-machine violation. It
// is fatal to the connection: once observed, the connection is torn down.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dbus: protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dbus: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// LimitExceededError indicates a message or field exceeded a configured or
// protocol-mandated cap (message size, signature length, array length).
type LimitExceededError struct {
	Reason string
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("dbus: limit exceeded: %s", e.Reason)
}

// InvalidSignatureError indicates malformed signature grammar, or a
// dict-entry appearing outside of an array.
type InvalidSignatureError struct {
	Sig    string
	Reason string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("dbus: invalid signature %q: %s", e.Sig, e.Reason)
}

// InvalidUTF8Error indicates a STRING value is not valid UTF-8 or contains
// an embedded NUL.
type InvalidUTF8Error struct {
	Reason string
}

func (e *InvalidUTF8Error) Error() string {
	return fmt.Sprintf("dbus: invalid utf8: %s", e.Reason)
}

// InvalidObjectPathError indicates an OBJECT_PATH value does not obey the
// object path grammar.
type InvalidObjectPathError struct {
	Path string
}

func (e *InvalidObjectPathError) Error() string {
	return fmt.Sprintf("dbus: invalid object path %q", e.Path)
}

// TruncatedError indicates the buffer ended mid-value during decoding.
type TruncatedError struct {
	Reason string
	Err    error
}

func (e *TruncatedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dbus: truncated: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("dbus: truncated: %s", e.Reason)
}

func (e *TruncatedError) Unwrap() error { return e.Err }

// UnexpectedEndianError indicates the wire endianness flag was neither 'l'
// nor 'B'.
type UnexpectedEndianError struct {
	Flag byte
}

func (e *UnexpectedEndianError) Error() string {
	return fmt.Sprintf("dbus: unexpected endian flag %q", e.Flag)
}

// AuthFailedError indicates the SASL handshake terminated without an OK
// response from every offered mechanism.
type AuthFailedError struct {
	Reason string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("dbus: auth failed: %s", e.Reason)
}

// AuthProtocolViolationError indicates a malformed line or unexpected
// command during the SASL handshake.
type AuthProtocolViolationError struct {
	Reason string
}

func (e *AuthProtocolViolationError) Error() string {
	return fmt.Sprintf("dbus: auth protocol violation: %s", e.Reason)
}

// CookieUnavailableError indicates the DBUS_COOKIE_SHA1 keyring was
// missing, too old, or had incorrect permissions.
type CookieUnavailableError struct {
	Context string
	Reason  string
}

func (e *CookieUnavailableError) Error() string {
	return fmt.Sprintf("dbus: cookie unavailable for context %q: %s", e.Context, e.Reason)
}

// NotConnectedError indicates an operation was attempted in a connection
// state that forbids it.
type NotConnectedError struct {
	State State
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("dbus: not connected (state=%s)", e.State)
}

// MethodTimedOutError indicates a method call's reply deadline elapsed.
type MethodTimedOutError struct {
	Serial uint32
}

func (e *MethodTimedOutError) Error() string {
	return fmt.Sprintf("dbus: method call (serial=%d) timed out", e.Serial)
}

// RemoteError wraps a D-Bus ERROR reply returned by a peer.
type RemoteError struct {
	ErrorName string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dbus: remote error %s: %s", e.ErrorName, e.Message)
	}
	return fmt.Sprintf("dbus: remote error %s", e.ErrorName)
}

// TransportError indicates an OS-level I/O failure on the transport. It
// triggers a reconnect attempt if the ReconnectController is enabled.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dbus: transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DisconnectedError indicates pending work failed because the connection
// was closed by Close, was torn down after a transport failure, or the
// request was cancelled through Connection.Cancel.
type DisconnectedError struct{}

func (e *DisconnectedError) Error() string { return "dbus: disconnected" }

// TooManyInFlightError indicates the pending-reply back-pressure cap was
// exceeded.
type TooManyInFlightError struct {
	Limit int
}

func (e *TooManyInFlightError) Error() string {
	return fmt.Sprintf("dbus: too many in-flight requests (limit=%d)", e.Limit)
}
