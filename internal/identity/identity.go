// Package identity implements the semantic identity scheme used to key
// services and agents: one to three colon-separated segments in the form
// project[:stack[:context]]. Segments are restricted to [A-Za-z0-9._*-] and
// at most 64 characters each.
//
// The asterisk is only legal in query positions (find, pattern release):
// Parse rejects it, ParsePattern accepts it. Matching is position-wise — a
// missing or "*" pattern segment matches anything, any other segment must be
// equal. No regular expressions are involved.
package identity

import (
	"strings"

	"github.com/portdaddy/portdaddy/internal/fault"
)

// MaxSegmentLen is the maximum length of a single identity segment.
const MaxSegmentLen = 64

// Identity is a parsed, normalized semantic identity. Stack and Context may
// be empty for one- or two-segment identities.
type Identity struct {
	Project string
	Stack   string
	Context string
}

// String returns the normalized form: segments joined by ":" with trailing
// empty segments dropped.
func (id Identity) String() string {
	switch {
	case id.Context != "":
		return id.Project + ":" + id.Stack + ":" + id.Context
	case id.Stack != "":
		return id.Project + ":" + id.Stack
	default:
		return id.Project
	}
}

// Parse parses and normalizes a concrete identity. Wildcards are rejected —
// keys never contain "*". Use ParsePattern for query inputs.
func Parse(raw string) (Identity, error) {
	id, err := parse(raw)
	if err != nil {
		return Identity{}, err
	}
	if strings.Contains(raw, "*") {
		return Identity{}, fault.Newf(fault.CodeInvalidIdentity, "identity %q: wildcards are not allowed in keys", raw)
	}
	return id, nil
}

// Pattern is a parsed identity pattern for find/release queries. It has the
// same shape as Identity but may contain "*" segments, and it remembers how
// many segments were supplied: missing trailing segments match anything.
type Pattern struct {
	segments []string
}

// ParsePattern parses a query pattern. Wildcard segments are allowed.
func ParsePattern(raw string) (Pattern, error) {
	id, err := parse(raw)
	if err != nil {
		return Pattern{}, err
	}
	segs := strings.Split(id.String(), ":")
	return Pattern{segments: segs}, nil
}

// HasWildcard reports whether any segment of the pattern is "*" or the
// pattern covers more than one concrete identity (fewer than three segments
// still count as exact for release purposes only when no "*" appears).
func (p Pattern) HasWildcard() bool {
	for _, s := range p.segments {
		if strings.Contains(s, "*") {
			return true
		}
	}
	return false
}

// String returns the normalized pattern text.
func (p Pattern) String() string {
	return strings.Join(p.segments, ":")
}

// Matches reports whether the pattern matches the given normalized identity
// string. Position-wise: a missing or "*" pattern segment matches anything,
// any other segment must equal the identity segment exactly.
func (p Pattern) Matches(id string) bool {
	idSegs := strings.Split(id, ":")
	for i, ps := range p.segments {
		if ps == "*" {
			continue
		}
		if i >= len(idSegs) || idSegs[i] != ps {
			return false
		}
	}
	return true
}

// Like translates the pattern to a SQL LIKE expression used as a coarse
// pre-filter. The result may over-match ("*" becomes "%", missing trailing
// segments become a trailing "%"); callers must re-check with Matches.
func (p Pattern) Like() string {
	parts := make([]string, len(p.segments))
	for i, s := range p.segments {
		if s == "*" {
			parts[i] = "%"
		} else {
			parts[i] = escapeLike(s)
		}
	}
	like := strings.Join(parts, ":")
	if len(p.segments) < 3 {
		like += "%"
	}
	return like
}

// escapeLike escapes the LIKE metacharacters that are legal in identity
// segments. "_" and "%" — only "_" can actually appear.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// parse splits, trims trailing empty segments, and validates.
func parse(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, fault.New(fault.CodeInvalidIdentity, "identity is empty")
	}

	segs := strings.Split(raw, ":")

	// The normalized form drops trailing empty segments ("myapp:" == "myapp").
	for len(segs) > 0 && segs[len(segs)-1] == "" {
		segs = segs[:len(segs)-1]
	}

	if len(segs) == 0 {
		return Identity{}, fault.Newf(fault.CodeInvalidIdentity, "identity %q has no segments", raw)
	}
	if len(segs) > 3 {
		return Identity{}, fault.Newf(fault.CodeInvalidIdentity, "identity %q has %d segments, maximum is 3", raw, len(segs))
	}

	for _, s := range segs {
		if s == "" {
			return Identity{}, fault.Newf(fault.CodeInvalidIdentity, "identity %q contains an empty segment", raw)
		}
		if len(s) > MaxSegmentLen {
			return Identity{}, fault.Newf(fault.CodeInvalidIdentity, "identity segment %q exceeds %d characters", s, MaxSegmentLen)
		}
		for _, r := range s {
			if !validSegmentRune(r) {
				return Identity{}, fault.Newf(fault.CodeInvalidIdentity, "identity %q contains invalid character %q", raw, r)
			}
		}
	}

	id := Identity{Project: segs[0]}
	if len(segs) > 1 {
		id.Stack = segs[1]
	}
	if len(segs) > 2 {
		id.Context = segs[2]
	}
	return id, nil
}

func validSegmentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-' || r == '*':
		return true
	}
	return false
}
