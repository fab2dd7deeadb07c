// Package idgen generates identifiers for guarded page sessions and API
// requests. Constructors take a Generator so tests can pin ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator of base-36 ids of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator of time-sortable RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every id of gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator yielding prefix1, prefix2, ... Tests use it
// for stable session ids.
func Sequence(prefix string) Generator {
	var n int
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

var (
	// Session names one guarded tab.
	Session Generator = Prefixed("ses_", UUIDv7())
	// Request tags one API or MCP call in logs.
	Request Generator = Prefixed("req_", NanoID(12))
)

// Parse validates a session id (with or without its "ses_" prefix) and
// returns it in canonical prefixed form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimPrefix(s, "ses_"))
	if err != nil {
		return "", fmt.Errorf("idgen: invalid session id %q: %w", s, err)
	}
	return "ses_" + u.String(), nil
}
