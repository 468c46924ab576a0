package gateway

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestSanitizeOrigins(t *testing.T) {
	logger := zaptest.NewLogger(t)

	sanitized, err := sanitizeOrigins(logger, []string{
		"https://app.example.com",
		" https://app.example.com ",
		"http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("valid origins rejected: %v", err)
	}
	expected := []string{"http://localhost:3000", "https://app.example.com"}
	if !reflect.DeepEqual(sanitized, expected) {
		t.Fatalf("expected %v, got %v", expected, sanitized)
	}
}

func TestSanitizeOriginsRejectsWildcard(t *testing.T) {
	if _, err := sanitizeOrigins(zaptest.NewLogger(t), []string{"*"}); !errors.Is(err, errWildcardOrigin) {
		t.Fatalf("expected errWildcardOrigin, got %v", err)
	}
}

func TestSanitizeOriginsRejectsMalformed(t *testing.T) {
	cases := []string{
		"app.example.com",
		"ftp://app.example.com",
		"https://app.example.com/path",
		"https://app.example.com?x=1",
	}
	for _, origin := range cases {
		if _, err := sanitizeOrigins(zaptest.NewLogger(t), []string{origin}); !errors.Is(err, errInvalidOrigin) {
			t.Fatalf("expected errInvalidOrigin for %q, got %v", origin, err)
		}
	}
}

func TestSanitizeOriginsRequiresAtLeastOne(t *testing.T) {
	if _, err := sanitizeOrigins(zaptest.NewLogger(t), nil); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins, got %v", err)
	}
	if _, err := sanitizeOrigins(zaptest.NewLogger(t), []string{"  ", ""}); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins for blank entries, got %v", err)
	}
}

func TestConfigureCORSBuildsMiddleware(t *testing.T) {
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"https://app.example.com"})
	if err != nil || middleware == nil {
		t.Fatalf("expected middleware, got %v", err)
	}
}
