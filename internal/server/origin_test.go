package server

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// TestOriginPolicy verifies origin normalization and matching edge cases.
func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://localhost:8080"}, "http://localhost:8080", true},
		{"missing origin", []string{"http://localhost:8080"}, "", false},
		{"not a url", []string{"http://localhost:8080"}, "not-a-url", false},
		{"missing scheme", []string{"http://localhost:8080"}, "://missing-scheme", false},
		{"missing host", []string{"http://localhost:8080"}, "http://", false},
		{"javascript origin", []string{"http://localhost:8080"}, "javascript:alert(1)", false},
		{"upper case host", []string{"http://example.com"}, "http://EXAMPLE.COM", true},
		{"upper case scheme", []string{"http://example.com"}, "HTTP://example.com", true},
		{"upper case configuration", []string{"http://Example.COM"}, "http://example.com", true},
		{"different port", []string{"http://localhost:8080"}, "http://localhost:9090", false},
		{"path ignored", []string{"http://example.com"}, "http://example.com/some/path", true},
		{"scheme differs", []string{"http://example.com"}, "https://example.com", false},
		{"wildcard", []string{"*"}, "https://another.com", true},
		{"wildcard still needs valid origin", []string{"*"}, "not-a-url", false},
		{"blank entries ignored", []string{" ", "http://example.com"}, "http://example.com", true},
		{"invalid entries ignored", []string{"bogus", "http://example.com"}, "http://bogus", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, zerolog.Nop())
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, policy.check(req))
		})
	}
}
