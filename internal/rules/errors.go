package rules

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNotFound is returned by mutations addressing an unknown rule id.
	ErrNotFound = errors.New("rule not found")

	// ErrInvalidRule is returned when a rule or snapshot fails validation.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrDuplicateID is returned when a rule id is already taken.
	ErrDuplicateID = errors.New("duplicate rule id")
)

// PersistenceError reports a failed read or write of the durable store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("rules storage %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err came from the durable store.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// ValidateRule checks the fields every stored rule must carry.
func ValidateRule(r *Rule) error {
	if strings.TrimSpace(r.Path) == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("%w: target is required", ErrInvalidRule)
	}
	u, err := url.Parse(r.Target)
	if err != nil {
		return fmt.Errorf("%w: target %q: %v", ErrInvalidRule, r.Target, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: target %q must be an absolute http(s) URL", ErrInvalidRule, r.Target)
	}
	if r.StripPrefix != nil && *r.StripPrefix < 0 {
		return fmt.Errorf("%w: stripPrefix must not be negative", ErrInvalidRule)
	}
	return nil
}

// Validate checks every rule and the uniqueness of ids.
func Validate(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("%w: snapshot is empty", ErrInvalidRule)
	}
	seen := make(map[string]struct{}, len(s.Routes))
	for i := range s.Routes {
		r := &s.Routes[i]
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: route %d has no id", ErrInvalidRule, i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = struct{}{}
		if err := ValidateRule(r); err != nil {
			return fmt.Errorf("route %s: %w", r.ID, err)
		}
	}
	return nil
}
