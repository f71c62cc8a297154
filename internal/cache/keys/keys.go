// Package keys builds cache keys and query fingerprints.
package keys

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const (
	prefix          = "fs"
	metadataVersion = "v1"
)

// Metadata is the shared-tier key for a table's field metadata. Bump
// metadataVersion when the stored shape changes.
func Metadata(table string) string {
	t := strings.ToLower(strings.TrimSpace(table))
	return fmt.Sprintf("%s:meta:%s:%s", prefix, metadataVersion, sanitize(t, false))
}

// Query fingerprints a table + WHERE pair. Spacing variants of the same
// predicate produce the same fingerprint.
func Query(table, where string) string {
	tableNorm := sanitize(strings.ToLower(strings.TrimSpace(table)), false)
	filterText := normalizeFilters(where)
	filterSafe := sanitize(filterText, true)

	const maxFilterTextLen = 160
	if len(filterSafe) > maxFilterTextLen {
		filterSafe = filterSafe[:maxFilterTextLen]
	}

	sum := xxhash.Sum64String(filterText)
	return fmt.Sprintf("%s:q:%s:filters=%s:f=%016x", prefix, tableNorm, filterSafe, sum)
}

var punctSpace = regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)

func normalizeFilters(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	return punctSpace.ReplaceAllString(s, "$1")
}

// sanitize maps s to [A-Za-z0-9:_.-] (plus '=' when allowEq), collapsing
// repeated separators.
func sanitize(s string, allowEq bool) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		var out rune
		switch {
		case isASCIISpace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '.':
			out = r
		case allowEq && r == '=':
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

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isASCIISpace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isASCIISpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
