package dbus

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mechanism identifies a SASL mechanism the client may offer to the server.
type Mechanism string

// Supported client mechanisms, see the D-Bus specification's
// "Authentication Protocol" chapter.
const (
	MechanismExternal       Mechanism = "EXTERNAL"
	MechanismCookieSHA1     Mechanism = "DBUS_COOKIE_SHA1"
	MechanismAnonymous      Mechanism = "ANONYMOUS"
	anonymousTraceString              = "go-dbus-client"
	maxAuthLineLen                    = 16384
)

// authResult carries the outcome of a successful SASL handshake.
type authResult struct {
	// GUID is the server's GUID from its OK response. Connection stores it
	// and does not deliver it in connection events or otherwise use it.
	GUID string
	// UnixFDAgreed reports whether NEGOTIATE_UNIX_FD was offered and the
	// server responded AGREE_UNIX_FD.
	UnixFDAgreed bool
}

// authenticate drives the client side of the SASL handshake on rw (a
// freshly opened, unauthenticated byte stream) and, on success, sends BEGIN
// so that subsequent bytes are framed D-Bus messages.
//
// mechanisms is tried in order; a REJECTED or ERROR response advances to
// the next mechanism. negotiateUnixFD requests Unix FD passing after a
// successful AUTH, when supported by the transport. The initial NUL byte is
// sent with a plain Write; no SCM_CREDENTIALS ancillary data accompanies it.
func authenticate(rw io.ReadWriter, mechanisms []Mechanism, negotiateUnixFD bool) (authResult, error) {
	if len(mechanisms) == 0 {
		return authResult{}, &AuthFailedError{Reason: "no mechanisms offered"}
	}

	if _, err := rw.Write([]byte{0}); err != nil {
		return authResult{}, fmt.Errorf("dbus: send initial NUL byte: %w", err)
	}

	br := bufio.NewReaderSize(rw, maxAuthLineLen)

	var lastErr error
	for _, mech := range mechanisms {
		initial, err := initialResponse(mech)
		if err != nil {
			lastErr = err
			continue
		}

		if err := sendAuthLine(rw, mech, initial); err != nil {
			return authResult{}, err
		}

		guid, ok, err := authLoop(rw, br, mech)
		if err != nil {
			return authResult{}, err
		}
		if !ok {
			lastErr = &AuthFailedError{Reason: fmt.Sprintf("mechanism %s rejected", mech)}
			continue
		}

		result := authResult{GUID: guid}
		if negotiateUnixFD {
			agreed, err := negotiateFDs(rw, br)
			if err != nil {
				return authResult{}, err
			}
			result.UnixFDAgreed = agreed
		}

		if _, err := rw.Write([]byte("BEGIN\r\n")); err != nil {
			return authResult{}, fmt.Errorf("dbus: send BEGIN: %w", err)
		}
		return result, nil
	}

	if lastErr == nil {
		lastErr = &AuthFailedError{Reason: "all mechanisms exhausted"}
	}
	return authResult{}, lastErr
}

// authLoop handles the WAIT_AUTH / SEND_DATA states for one mechanism
// attempt, returning ok=false if the server rejected or errored this
// mechanism (so the caller can try the next one).
func authLoop(rw io.ReadWriter, br *bufio.Reader, mech Mechanism) (guid string, ok bool, err error) {
	for {
		line, err := readAuthLine(br)
		if err != nil {
			return "", false, err
		}

		switch {
		case strings.HasPrefix(line, "OK "):
			return strings.TrimSpace(strings.TrimPrefix(line, "OK ")), true, nil

		case strings.HasPrefix(line, "REJECTED"):
			return "", false, nil

		case strings.HasPrefix(line, "ERROR"):
			return "", false, nil

		case strings.HasPrefix(line, "DATA "):
			hexChallenge := strings.TrimSpace(strings.TrimPrefix(line, "DATA "))
			challenge, err := hex.DecodeString(hexChallenge)
			if err != nil {
				return "", false, &AuthProtocolViolationError{Reason: "malformed DATA hex"}
			}

			response, cont, err := respondToChallenge(mech, challenge)
			if err != nil {
				return "", false, err
			}
			if !cont {
				if _, err := rw.Write([]byte("CANCEL\r\n")); err != nil {
					return "", false, err
				}
				continue
			}
			if _, err := fmt.Fprintf(rw, "DATA %s\r\n", hex.EncodeToString(response)); err != nil {
				return "", false, err
			}

		default:
			return "", false, &AuthProtocolViolationError{Reason: fmt.Sprintf("unexpected server line %q", line)}
		}
	}
}

// negotiateFDs sends NEGOTIATE_UNIX_FD and reports whether the server
// agreed.
func negotiateFDs(rw io.ReadWriter, br *bufio.Reader) (bool, error) {
	if _, err := rw.Write([]byte("NEGOTIATE_UNIX_FD\r\n")); err != nil {
		return false, err
	}
	line, err := readAuthLine(br)
	if err != nil {
		return false, err
	}
	switch {
	case strings.HasPrefix(line, "AGREE_UNIX_FD"):
		return true, nil
	case strings.HasPrefix(line, "ERROR"):
		return false, nil
	default:
		return false, &AuthProtocolViolationError{Reason: fmt.Sprintf("unexpected NEGOTIATE_UNIX_FD response %q", line)}
	}
}

// readAuthLine reads one \r\n-terminated line, enforcing the 16384-byte
// server line limit from the D-Bus specification.
func readAuthLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("dbus: read auth line: %w", err)
	}
	if len(line) > maxAuthLineLen {
		return "", &AuthProtocolViolationError{Reason: "server line exceeds 16384 bytes"}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// sendAuthLine sends "AUTH MECH [hex-initial-data]\r\n".
func sendAuthLine(w io.Writer, mech Mechanism, initial []byte) error {
	var buf bytes.Buffer
	buf.WriteString("AUTH ")
	buf.WriteString(string(mech))
	if initial != nil {
		buf.WriteByte(' ')
		buf.WriteString(hex.EncodeToString(initial))
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// initialResponse returns the initial-data argument sent with AUTH for
// mechanisms that can answer without a server challenge.
func initialResponse(mech Mechanism) ([]byte, error) {
	switch mech {
	case MechanismExternal:
		return []byte(strconv.Itoa(os.Geteuid())), nil
	case MechanismAnonymous:
		return []byte(anonymousTraceString), nil
	case MechanismCookieSHA1:
		// DBUS_COOKIE_SHA1 always waits for a DATA challenge before
		// responding; no useful initial data exists.
		return nil, nil
	default:
		return nil, fmt.Errorf("dbus: unsupported mechanism %s", mech)
	}
}

// respondToChallenge computes the DATA response to a server challenge for
// mech. cont is false when the client has no answer and should CANCEL.
func respondToChallenge(mech Mechanism, challenge []byte) (response []byte, cont bool, err error) {
	switch mech {
	case MechanismCookieSHA1:
		resp, err := cookieSHA1Response(challenge)
		if err != nil {
			return nil, false, err
		}
		return resp, true, nil
	default:
		// EXTERNAL and ANONYMOUS never expect a mid-handshake challenge;
		// if the server sends one anyway, there is nothing useful to
		// answer with.
		return nil, false, nil
	}
}
