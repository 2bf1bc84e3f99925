// Package keys builds cache keys of the form "<namespace>:<id>".
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const maxIDLen = 120

// Key returns the cache key for id within namespace. Ids that do not fit are
// truncated and suffixed with a hash of the full id so distinct ids stay distinct.
func Key(namespace, id string) string {
	ns := sanitize(strings.TrimSpace(namespace), false)
	raw := strings.TrimSpace(id)
	safe := sanitize(raw, true)
	if len(safe) > maxIDLen || safe != raw {
		cut := safe
		if len(cut) > maxIDLen {
			cut = cut[:maxIDLen]
		}
		return fmt.Sprintf("%s:%s~%016x", ns, cut, xxhash.Sum64String(raw))
	}
	return ns + ":" + safe
}

// Prefix is the key prefix shared by every key in namespace.
func Prefix(namespace string) string {
	return sanitize(strings.TrimSpace(namespace), false) + ":"
}

// Namespace returns the namespace part of key, or "" when key has none.
func Namespace(key string) string {
	ns, _, ok := strings.Cut(key, ":")
	if !ok {
		return ""
	}
	return ns
}

// ids may keep '.', namespaces may not
func sanitize(s string, id bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		case id && r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
