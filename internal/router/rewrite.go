package router

import (
	"strings"

	"github.com/relaypoint/rulegate/internal/rules"
)

// RemainderToken is replaced in rewrite templates by the wildcard remainder.
const RemainderToken = "$1"

// ForwardPath derives the path sent to the backend. A non-blank rewrite wins
// over stripPrefix; without either the original path is kept.
func ForwardPath(r *rules.Rule, path string) string {
	if tpl := r.RewriteTemplate(); tpl != "" {
		if strings.Contains(tpl, RemainderToken) {
			return strings.ReplaceAll(tpl, RemainderToken, ExtractRemainder(r.Path, path))
		}
		return tpl
	}

	if n := r.StripCount(); n > 0 {
		parts := splitPath(path)
		if n >= len(parts) {
			return "/"
		}
		return "/" + strings.Join(parts[n:], "/")
	}

	return path
}
