package config

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestClassifyConfigLoadError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "none", err: nil, want: "none"},
		{name: "validation", err: &LoadError{Stage: StageValidate, Err: errors.New("validate config: UPSTREAM_BASE_URL is required")}, want: "validation"},
		{name: "parse", err: &LoadError{Stage: StageParse, Err: errors.New("parse JWT_ACCESS_TTL: invalid duration")}, want: "parse"},
		{name: "wrapped env file", err: fmt.Errorf("serve: %w", &LoadError{Stage: StageEnvFile, Err: errors.New("permission denied")}), want: "env_file"},
		{name: "untyped", err: errors.New("validate config: looks typed but is not"), want: "load"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyConfigLoadError(tc.err); got != tc.want {
				t.Fatalf("classifyConfigLoadError()=%q want %q", got, tc.want)
			}
		})
	}
}

func TestLoadErrorKeepsMessageAndCause(t *testing.T) {
	cause := errors.New("parse RATE_LIMIT_WINDOW: bad")
	err := error(&LoadError{Stage: StageParse, Err: cause})
	if err.Error() != cause.Error() {
		t.Fatalf("message changed: %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause must be reachable with errors.Is")
	}
}

func TestNormalizeConfigProfile(t *testing.T) {
	if got := normalizeConfigProfile("  Staging  "); got != "staging" {
		t.Fatalf("expected staging, got %q", got)
	}
	if got := normalizeConfigProfile("\t"); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}

func FuzzNormalizeConfigProfile(f *testing.F) {
	f.Add("  Production ")
	f.Add("")
	f.Add(" dev")
	f.Add(strings.Repeat("Z", 2048))

	f.Fuzz(func(t *testing.T, raw string) {
		got := normalizeConfigProfile(raw)
		if got == "" {
			t.Fatal("normalized profile must not be empty")
		}
		if strings.TrimSpace(raw) == "" && got != "unknown" {
			t.Fatalf("expected unknown for blank input, got %q", got)
		}
		if utf8.ValidString(raw) && !utf8.ValidString(got) {
			t.Fatalf("valid input produced invalid output %q", got)
		}
	})
}
