package transport

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// CookieSHA1 implements the DBUS_COOKIE_SHA1 mechanism, which proves
// identity by ownership of a cookie file in the user's home
// directory. It is not needed for local busses, which authenticate
// with EXTERNAL, but some TCP-reachable busses require it.
type CookieSHA1 struct {
	// Dir is the keyring directory. Empty means ~/.dbus-keyrings.
	Dir string
}

func (CookieSHA1) Name() string { return "DBUS_COOKIE_SHA1" }

func (CookieSHA1) InitialResponse() ([]byte, error) {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return []byte(u.Username), nil
	}
	return []byte(strconv.Itoa(os.Getuid())), nil
}

// Data answers the server challenge "<context> <cookie-id>
// <server-challenge>" with "<client-challenge> <hex sha1>", where the
// digest covers server-challenge:client-challenge:cookie.
func (c CookieSHA1) Data(challenge []byte) ([]byte, error) {
	parts := strings.Fields(string(challenge))
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed cookie challenge %q", challenge)
	}
	cookie, err := c.lookupCookie(parts[0], parts[1])
	if err != nil {
		return nil, err
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating client challenge: %w", err)
	}
	clientChallenge := hex.EncodeToString(nonce[:])

	digest := sha1.Sum([]byte(parts[2] + ":" + clientChallenge + ":" + cookie))
	return []byte(clientChallenge + " " + hex.EncodeToString(digest[:])), nil
}

// lookupCookie reads the cookie with the given id from the context's
// keyring file.
func (c CookieSHA1) lookupCookie(context, id string) (string, error) {
	if context == "" || strings.ContainsAny(context, "/\\") || context == "." || context == ".." {
		return "", fmt.Errorf("invalid cookie context %q", context)
	}
	dir := c.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locating keyring directory: %w", err)
		}
		dir = filepath.Join(home, ".dbus-keyrings")
	}
	bs, err := os.ReadFile(filepath.Join(dir, context))
	if err != nil {
		return "", fmt.Errorf("reading keyring %q: %w", context, err)
	}
	// One cookie per line: id, creation time, cookie hex.
	for _, line := range strings.Split(string(bs), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[0] == id {
			return fields[2], nil
		}
	}
	return "", fmt.Errorf("cookie %s not found in keyring %q", id, context)
}
