package router

import (
	"strings"

	"github.com/relaypoint/rulegate/internal/rules"
)

type segmentKind int

const (
	literal segmentKind = iota
	glob                // contains * or ? inside one segment
	param               // {name}, matches exactly one segment
	multi               // **, matches zero or more segments
)

type segment struct {
	value string
	kind  segmentKind
}

// Select returns the first rule in declared order whose method set admits
// method and whose path pattern matches path. The returned pointer aliases the
// snapshot and must not be modified.
func Select(snap *rules.Snapshot, method, path string) (*rules.Rule, bool) {
	if snap == nil {
		return nil, false
	}
	for i := range snap.Routes {
		r := &snap.Routes[i]
		if !methodAllowed(r.Methods, method) {
			continue
		}
		if Matches(r.Path, path) {
			return r, true
		}
	}
	return nil, false
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

// Matches reports whether path matches the Ant-style pattern. Matching is
// case-sensitive; empty segments are ignored.
func Matches(pattern, path string) bool {
	if strings.HasPrefix(pattern, "/") != strings.HasPrefix(path, "/") {
		return false
	}

	segs := parseSegments(pattern)
	endsMulti := len(segs) > 0 && segs[len(segs)-1].kind == multi
	if !endsMulti && strings.HasSuffix(pattern, "/") != strings.HasSuffix(path, "/") {
		return false
	}

	return matchSegments(segs, splitPath(path))
}

// ExtractRemainder returns the part of path covered by the wildcard portion
// of pattern: everything from the first wildcard segment on, joined by "/".
// {name} segments are not wildcards. It is empty when the pattern has no
// wildcard.
func ExtractRemainder(pattern, path string) string {
	segs := parseSegments(pattern)
	parts := splitPath(path)

	for i, seg := range segs {
		if seg.kind == literal || seg.kind == param {
			continue
		}
		if i >= len(parts) {
			return ""
		}
		return strings.Join(parts[i:], "/")
	}
	return ""
}

// parseSegments parses a path pattern into segments
func parseSegments(pattern string) []segment {
	parts := splitPath(pattern)
	segments := make([]segment, len(parts))

	for i, part := range parts {
		switch {
		case part == "**":
			segments[i] = segment{value: part, kind: multi}
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			segments[i] = segment{value: part[1 : len(part)-1], kind: param}
		case strings.ContainsAny(part, "*?"):
			segments[i] = segment{value: part, kind: glob}
		default:
			segments[i] = segment{value: part}
		}
	}

	return segments
}

func splitPath(p string) []string {
	raw := strings.Split(p, "/")
	parts := raw[:0]
	for _, s := range raw {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

// matchSegments walks pattern and path segments, backtracking over ** only.
func matchSegments(segs []segment, parts []string) bool {
	for len(segs) > 0 {
		seg := segs[0]
		if seg.kind == multi {
			for len(segs) > 1 && segs[1].kind == multi {
				segs = segs[1:]
			}
			rest := segs[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(parts); i++ {
				if matchSegments(rest, parts[i:]) {
					return true
				}
			}
			return false
		}

		if len(parts) == 0 || !matchOne(seg, parts[0]) {
			return false
		}
		segs, parts = segs[1:], parts[1:]
	}
	return len(parts) == 0
}

func matchOne(seg segment, part string) bool {
	switch seg.kind {
	case literal:
		return seg.value == part
	case param:
		return true
	default:
		return globMatch([]rune(seg.value), []rune(part))
	}
}

// globMatch matches a single segment against a pattern with * (any run of
// characters) and ? (exactly one character).
func globMatch(pat, s []rune) bool {
	px, sx := 0, 0
	starP, starS := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pat) && (pat[px] == '?' || pat[px] == s[sx]):
			px++
			sx++
		case px < len(pat) && pat[px] == '*':
			starP, starS = px, sx
			px++
		case starP >= 0:
			px = starP + 1
			starS++
			sx = starS
		default:
			return false
		}
	}
	for px < len(pat) && pat[px] == '*' {
		px++
	}
	return px == len(pat)
}
