// Package identity derives worker identity tokens. Lease ownership and
// write fencing key on these tokens, so every claim loop in every
// process needs one of its own.
package identity

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/relay/pkg/schema"
)

// DefaultPrefix is used when a worker token is requested without one.
const DefaultPrefix = "relay"

// NewWorkerToken returns a fresh worker identity of the form
// prefix-host-pid-suffix. The suffix makes tokens unique across claim
// loops inside one process; host and pid make crashes attributable.
func NewWorkerToken(prefix string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s-%s-%d-%s", sanitize(prefix), sanitize(host), os.Getpid(), suffix)
}

// ValidateToken checks that a token is usable as a lease owner.
func ValidateToken(token string) error {
	if token == "" {
		return schema.NewError(schema.ErrCodeValidation, "worker token is empty")
	}
	if strings.ContainsAny(token, " \t\n") {
		return schema.NewErrorf(schema.ErrCodeValidation, "worker token %q contains whitespace", token)
	}
	return nil
}

// sanitize lowercases and strips anything outside [a-z0-9-.] so tokens
// stay safe in logs, URLs and metrics labels.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
