package dbus

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// cookieGracePeriod is how long past a cookie's creation time it remains
// usable before lookupCookie refuses it as stale.
const cookieGracePeriod = 5 * time.Minute

// cookie is one record from a ~/.dbus-keyrings/<context> file: "id
// creation-time cookie-hex".
type cookie struct {
	ID      string
	Created time.Time
	Secret  string
}

// cookieSHA1Response computes the client's DATA response to a
// DBUS_COOKIE_SHA1 server challenge of the form
// "cookie-context SPACE cookie-id SPACE server-challenge".
func cookieSHA1Response(challenge []byte) ([]byte, error) {
	fields := strings.SplitN(string(challenge), " ", 3)
	if len(fields) != 3 {
		return nil, &AuthProtocolViolationError{Reason: "malformed DBUS_COOKIE_SHA1 challenge"}
	}
	context, cookieID, serverChallenge := fields[0], fields[1], fields[2]

	c, err := lookupCookie(context, cookieID)
	if err != nil {
		return nil, err
	}

	clientChallenge, err := randomHex(16)
	if err != nil {
		return nil, fmt.Errorf("dbus: generate client challenge: %w", err)
	}

	sum := sha1.Sum([]byte(serverChallenge + ":" + clientChallenge + ":" + c.Secret))
	response := clientChallenge + " " + hex.EncodeToString(sum[:])
	return []byte(response), nil
}

// lookupCookie reads $HOME/.dbus-keyrings/<context> and returns the cookie
// with the given ID, rejecting keyrings or cookie files with loose
// permissions and cookies past their grace period.
func lookupCookie(context, id string) (cookie, error) {
	home := os.Getenv("HOME")
	if home == "" {
		return cookie{}, &CookieUnavailableError{Context: context, Reason: "HOME is not set"}
	}

	dir := filepath.Join(home, ".dbus-keyrings")
	info, err := os.Stat(dir)
	if err != nil {
		return cookie{}, &CookieUnavailableError{Context: context, Reason: fmt.Sprintf("keyring directory: %v", err)}
	}
	if info.Mode().Perm() != 0700 {
		return cookie{}, &CookieUnavailableError{Context: context, Reason: "keyring directory must be mode 0700"}
	}

	path := filepath.Join(dir, context)
	finfo, err := os.Stat(path)
	if err != nil {
		return cookie{}, &CookieUnavailableError{Context: context, Reason: fmt.Sprintf("cookie file: %v", err)}
	}
	if finfo.Mode().Perm() != 0600 {
		return cookie{}, &CookieUnavailableError{Context: context, Reason: "cookie file must be mode 0600"}
	}

	f, err := os.Open(path)
	if err != nil {
		return cookie{}, &CookieUnavailableError{Context: context, Reason: err.Error()}
	}
	defer f.Close()

	now := time.Now()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			continue
		}
		if fields[0] != id {
			continue
		}
		createdUnix, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		c := cookie{ID: fields[0], Created: time.Unix(createdUnix, 0), Secret: fields[2]}
		if now.Sub(c.Created) > cookieGracePeriod {
			return cookie{}, &CookieUnavailableError{Context: context, Reason: "cookie is past its grace period"}
		}
		return c, nil
	}
	if err := sc.Err(); err != nil {
		return cookie{}, &CookieUnavailableError{Context: context, Reason: err.Error()}
	}
	return cookie{}, &CookieUnavailableError{Context: context, Reason: fmt.Sprintf("cookie id %s not found", id)}
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
