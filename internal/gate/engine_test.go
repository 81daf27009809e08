package gate

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultPolicy(t *testing.T) {
	engine, err := NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	tests := []struct {
		name          string
		path          string
		authenticated bool
		wantAllow     bool
		wantExempt    bool
		wantRedirect  string
	}{
		{"home anonymous", "/", false, false, false, "/login"},
		{"home signed in", "/", true, true, false, ""},
		{"chat anonymous", "/chat/123", false, false, false, "/login"},
		{"login page", "/login", false, true, true, ""},
		{"api route", "/api/impact", false, true, true, ""},
		{"static asset", "/static/app.js", false, true, true, ""},
		{"favicon", "/favicon.ico", false, true, true, ""},
		{"health", "/health", false, true, true, ""},
		{"login lookalike", "/login-help", false, false, false, "/login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := engine.Evaluate(context.Background(), Input{Path: tt.path, Method: "GET", Authenticated: tt.authenticated})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Allow != tt.wantAllow {
				t.Errorf("allow = %v, want %v", d.Allow, tt.wantAllow)
			}
			if d.Exempt != tt.wantExempt {
				t.Errorf("exempt = %v, want %v", d.Exempt, tt.wantExempt)
			}
			if d.Redirect != tt.wantRedirect {
				t.Errorf("redirect = %q, want %q", d.Redirect, tt.wantRedirect)
			}
		})
	}
}

const openPolicy = `package greengpt.gate

import rego.v1

decision := {"allow": true, "exempt": false, "redirect": ""}
`

func TestPolicyDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "open.rego"), []byte(openPolicy), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	engine, err := NewEngine(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	d, err := engine.Evaluate(context.Background(), Input{Path: "/", Method: "GET"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allow {
		t.Error("custom policy not applied")
	}
}

func TestPolicyDirectoryErrors(t *testing.T) {
	empty := t.TempDir()
	if _, err := NewEngine(empty, zerolog.Nop()); err == nil {
		t.Error("expected error for directory without policies")
	}

	broken := t.TempDir()
	_ = os.WriteFile(filepath.Join(broken, "bad.rego"), []byte("package greengpt.gate\n\nallow if {"), 0644)
	if _, err := NewEngine(broken, zerolog.Nop()); err == nil {
		t.Error("expected parse error")
	}
}

// TestReloadThreadSafety checks that reload is safe alongside evaluations
func TestReloadThreadSafety(t *testing.T) {
	engine, err := NewEngine("", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := engine.Evaluate(context.Background(), Input{Path: "/", Method: "GET"}); err != nil {
					t.Errorf("Evaluate: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		if err := engine.Reload(); err != nil {
			t.Fatalf("Reload: %v", err)
		}
	}
	wg.Wait()
}
