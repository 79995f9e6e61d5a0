package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/relaypoint/rulegate/internal/rules"
)

// HeaderAPIKey carries the client's key for apiKey rules.
const HeaderAPIKey = "X-API-Key"

var (
	// ErrUnauthorized is wrapped by every rejection.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownScheme is returned for auth tags with no registered validator.
	ErrUnknownScheme = errors.New("unknown auth scheme")
)

// Validator checks one request against a rule's credentials.
type Validator interface {
	Validate(rule *rules.Rule, header http.Header) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(rule *rules.Rule, header http.Header) error

func (f ValidatorFunc) Validate(rule *rules.Rule, header http.Header) error {
	return f(rule, header)
}

// Gate dispatches to a Validator by the rule's auth tag. Rules without a tag
// pass; tags without a validator fail closed.
type Gate struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewGate returns a gate with the apiKey validator registered.
func NewGate() *Gate {
	g := &Gate{validators: make(map[string]Validator)}
	g.Register(rules.AuthTypeAPIKey, APIKey())
	return g
}

// Register adds or replaces the validator for tag.
func (g *Gate) Register(tag string, v Validator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validators[tag] = v
}

// Validate returns nil when the request may proceed under rule.
func (g *Gate) Validate(rule *rules.Rule, header http.Header) error {
	tag := rule.AuthTag()
	if tag == "" {
		return nil
	}

	g.mu.RLock()
	v, ok := g.validators[tag]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %w %q", ErrUnauthorized, ErrUnknownScheme, tag)
	}

	if err := v.Validate(rule, header); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return nil
}

// APIKey compares the X-API-Key header with the rule's configured key. A
// rule without a configured key rejects every request.
func APIKey() Validator {
	return ValidatorFunc(func(rule *rules.Rule, header http.Header) error {
		got := header.Get(HeaderAPIKey)
		if got == "" {
			return fmt.Errorf("%w: missing %s header", ErrUnauthorized, HeaderAPIKey)
		}
		if rule.APIKey == nil || *rule.APIKey == "" {
			return fmt.Errorf("%w: route has no api key configured", ErrUnauthorized)
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(*rule.APIKey)) != 1 {
			return fmt.Errorf("%w: invalid api key", ErrUnauthorized)
		}
		return nil
	})
}
