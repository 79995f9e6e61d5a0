package rules

import (
	"strings"
	"time"
)

// DefaultTimeout applies when a rule has no positive timeoutMs.
const DefaultTimeout = 3000 * time.Millisecond

// AuthTypeAPIKey selects static API key validation.
const AuthTypeAPIKey = "apiKey"

// Rule is one routing entry. Optional fields are pointers so that they
// serialize as null when unset and so that "unset" and "zero" stay distinct.
type Rule struct {
	ID           string   `json:"id"`
	Path         string   `json:"path"`
	Methods      []string `json:"methods"`
	Target       string   `json:"target"`
	StripPrefix  *int     `json:"stripPrefix"`
	Rewrite      *string  `json:"rewrite"`
	Group        *string  `json:"group"`
	AuthType     *string  `json:"authType"`
	APIKey       *string  `json:"apiKey"`
	RateLimitQPS *int     `json:"rateLimitQps"`
	Enabled      *bool    `json:"enabled"`
	TimeoutMs    *int     `json:"timeoutMs"`
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
}

// Patch carries a partial rule update. Nil fields keep the stored value.
type Patch struct {
	Path         *string  `json:"path"`
	Methods      []string `json:"methods"`
	Target       *string  `json:"target"`
	StripPrefix  *int     `json:"stripPrefix"`
	Rewrite      *string  `json:"rewrite"`
	Group        *string  `json:"group"`
	AuthType     *string  `json:"authType"`
	APIKey       *string  `json:"apiKey"`
	RateLimitQPS *int     `json:"rateLimitQps"`
	Enabled      *bool    `json:"enabled"`
	TimeoutMs    *int     `json:"timeoutMs"`
}

// Snapshot is an immutable, versioned view of the routing table. Rule order
// is significant: the first matching rule wins. A snapshot handed out by the
// Store must never be modified.
type Snapshot struct {
	Version string `json:"version"`
	Routes  []Rule `json:"routes"`
}

// IsEnabled reports whether the rule accepts traffic. Only an explicit false
// disables a rule.
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Timeout returns the response-streaming budget for the rule.
func (r *Rule) Timeout() time.Duration {
	if r.TimeoutMs == nil || *r.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(*r.TimeoutMs) * time.Millisecond
}

// QPS returns the configured quota, or 0 when the rule is unlimited.
func (r *Rule) QPS() int {
	if r.RateLimitQPS == nil || *r.RateLimitQPS <= 0 {
		return 0
	}
	return *r.RateLimitQPS
}

// AuthTag returns the trimmed auth type tag, or "" when auth is not configured.
func (r *Rule) AuthTag() string {
	if r.AuthType == nil {
		return ""
	}
	return strings.TrimSpace(*r.AuthType)
}

// StripCount returns the number of leading segments to strip.
func (r *Rule) StripCount() int {
	if r.StripPrefix == nil || *r.StripPrefix < 0 {
		return 0
	}
	return *r.StripPrefix
}

// RewriteTemplate returns the rewrite template, or "" when none is set.
func (r *Rule) RewriteTemplate() string {
	if r.Rewrite == nil || strings.TrimSpace(*r.Rewrite) == "" {
		return ""
	}
	return *r.Rewrite
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	out := r
	if r.Methods != nil {
		out.Methods = append([]string(nil), r.Methods...)
	}
	out.StripPrefix = clonePtr(r.StripPrefix)
	out.Rewrite = clonePtr(r.Rewrite)
	out.Group = clonePtr(r.Group)
	out.AuthType = clonePtr(r.AuthType)
	out.APIKey = clonePtr(r.APIKey)
	out.RateLimitQPS = clonePtr(r.RateLimitQPS)
	out.Enabled = clonePtr(r.Enabled)
	out.TimeoutMs = clonePtr(r.TimeoutMs)
	return out
}

// apply merges the patch into a copy of r.
func (r Rule) apply(p Patch) Rule {
	out := r.Clone()
	if p.Path != nil {
		out.Path = *p.Path
	}
	if p.Methods != nil {
		out.Methods = append([]string{}, p.Methods...)
	}
	if p.Target != nil {
		out.Target = *p.Target
	}
	if p.StripPrefix != nil {
		out.StripPrefix = clonePtr(p.StripPrefix)
	}
	if p.Rewrite != nil {
		out.Rewrite = clonePtr(p.Rewrite)
	}
	if p.Group != nil {
		out.Group = clonePtr(p.Group)
	}
	if p.AuthType != nil {
		out.AuthType = clonePtr(p.AuthType)
	}
	if p.APIKey != nil {
		out.APIKey = clonePtr(p.APIKey)
	}
	if p.RateLimitQPS != nil {
		out.RateLimitQPS = clonePtr(p.RateLimitQPS)
	}
	if p.Enabled != nil {
		out.Enabled = clonePtr(p.Enabled)
	}
	if p.TimeoutMs != nil {
		out.TimeoutMs = clonePtr(p.TimeoutMs)
	}
	return out
}

// Clone returns a deep copy of the snapshot. Routes is never nil in the copy.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version: s.Version,
		Routes:  make([]Rule, len(s.Routes)),
	}
	for i := range s.Routes {
		out.Routes[i] = s.Routes[i].Clone()
	}
	return out
}

// Find returns the rule with the given id.
func (s *Snapshot) Find(id string) (Rule, bool) {
	for _, r := range s.Routes {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return Rule{}, false
}

// Summary aggregates counts over a snapshot.
type Summary struct {
	Version     string         `json:"version"`
	Total       int            `json:"total"`
	Enabled     int            `json:"enabled"`
	Disabled    int            `json:"disabled"`
	WithAuth    int            `json:"withAuth"`
	RateLimited int            `json:"rateLimited"`
	Groups      map[string]int `json:"groups"`
}

// Summarize computes the aggregate counts for the snapshot.
func (s *Snapshot) Summarize() Summary {
	sum := Summary{
		Version: s.Version,
		Total:   len(s.Routes),
		Groups:  make(map[string]int),
	}
	for i := range s.Routes {
		r := &s.Routes[i]
		if r.IsEnabled() {
			sum.Enabled++
		} else {
			sum.Disabled++
		}
		if r.AuthTag() != "" {
			sum.WithAuth++
		}
		if r.QPS() > 0 {
			sum.RateLimited++
		}
		if r.Group != nil && *r.Group != "" {
			sum.Groups[*r.Group]++
		}
	}
	return sum
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
