package auth

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaypoint/rulegate/internal/rules"
)

func ptr[T any](v T) *T { return &v }

func TestGate_APIKey(t *testing.T) {
	g := NewGate()
	rule := &rules.Rule{ID: "r1", AuthType: ptr("apiKey"), APIKey: ptr("secret")}

	tests := []struct {
		name    string
		header  http.Header
		wantErr bool
	}{
		{"missing header", http.Header{}, true},
		{"wrong value", http.Header{"X-Api-Key": {"nope"}}, true},
		{"prefix of key", http.Header{"X-Api-Key": {"sec"}}, true},
		{"correct value", http.Header{"X-Api-Key": {"secret"}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Repeat to show the outcome is deterministic.
			for i := 0; i < 3; i++ {
				err := g.Validate(rule, tc.header)
				if tc.wantErr {
					assert.ErrorIs(t, err, ErrUnauthorized)
				} else {
					assert.NoError(t, err)
				}
			}
		})
	}
}

func TestGate_NoAuthConfigured(t *testing.T) {
	g := NewGate()

	assert.NoError(t, g.Validate(&rules.Rule{ID: "open"}, http.Header{}))
	assert.NoError(t, g.Validate(&rules.Rule{ID: "blank", AuthType: ptr("  ")}, http.Header{}))
}

func TestGate_APIKeyWithoutConfiguredKey(t *testing.T) {
	g := NewGate()
	rule := &rules.Rule{ID: "r1", AuthType: ptr("apiKey")}

	err := g.Validate(rule, http.Header{"X-Api-Key": {""}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	err = g.Validate(rule, http.Header{"X-Api-Key": {"anything"}})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestGate_UnknownSchemeFailsClosed(t *testing.T) {
	g := NewGate()
	rule := &rules.Rule{ID: "r1", AuthType: ptr("jwt")}

	err := g.Validate(rule, http.Header{"Authorization": {"Bearer x"}})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestGate_Register(t *testing.T) {
	g := NewGate()
	g.Register("header", ValidatorFunc(func(_ *rules.Rule, h http.Header) error {
		if h.Get("X-Internal") != "1" {
			return errors.New("not internal")
		}
		return nil
	}))
	rule := &rules.Rule{ID: "r1", AuthType: ptr("header")}

	err := g.Validate(rule, http.Header{})
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.NoError(t, g.Validate(rule, http.Header{"X-Internal": {"1"}}))
}
