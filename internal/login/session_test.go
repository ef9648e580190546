package login

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func newTestSession(t *testing.T) (*Session, *bytes.Buffer) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	var out bytes.Buffer
	s := NewSession(filepath.Join(dir, "login_status.json"), filepath.Join(dir, "login_output.log"), &out)
	s.now = func() time.Time { return time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC) }
	return s, &out
}

// TestExtractURL tests authorization URL detection
func TestExtractURL(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected string
	}{
		{
			name:     "Dashboard link",
			line:     "https://dash.cloudflare.com/argotunnel?aud=&callback=https%3A%2F%2Flogin.cloudflareaccess.org%2Fabc",
			expected: "https://dash.cloudflare.com/argotunnel?aud=&callback=https%3A%2F%2Flogin.cloudflareaccess.org%2Fabc",
		},
		{
			name:     "Link inside a sentence",
			line:     "Please open the following URL: https://dash.cloudflare.com/argotunnel?x=1 in a browser",
			expected: "https://dash.cloudflare.com/argotunnel?x=1",
		},
		{
			name:     "Unrelated URL",
			line:     "See https://example.com for details",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractURL(tt.line); got != tt.expected {
				t.Errorf("ExtractURL() = %q, expected %q", got, tt.expected)
			}
		})
	}
}

// TestDetectAuthSuccess tests the completion message check
func TestDetectAuthSuccess(t *testing.T) {
	if !DetectAuthSuccess("You have Successfully Logged in.") {
		t.Error("Expected success to be detected regardless of case")
	}
	if DetectAuthSuccess("Waiting for login...") {
		t.Error("Unexpected success")
	}
}

// TestRunCompleted tests a login that prints its URL and succeeds
func TestRunCompleted(t *testing.T) {
	s, out := newTestSession(t)

	code, err := s.Run(context.Background(), "sh", "-c",
		`echo "Please open https://dash.cloudflare.com/argotunnel?token=1"; echo "You have successfully logged in." >&2`)
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}

	status := s.Current()
	if status == nil {
		t.Fatal("Expected a status record")
	}
	if status.Status != StatusCompleted {
		t.Errorf("Expected %s, got %s", StatusCompleted, status.Status)
	}
	if status.URL != "https://dash.cloudflare.com/argotunnel?token=1" {
		t.Errorf("Unexpected URL %q", status.URL)
	}
	if status.LastUpdated != "2026-10-19T08:30:00Z" {
		t.Errorf("Unexpected timestamp %q", status.LastUpdated)
	}

	if !strings.Contains(out.String(), "successfully logged in") {
		t.Errorf("Stderr should be echoed, got %q", out.String())
	}
	logged, err := os.ReadFile(s.LogFile)
	if err != nil {
		t.Fatalf("Log file not written: %v", err)
	}
	if !strings.Contains(string(logged), "https://dash.cloudflare.com/argotunnel?token=1") {
		t.Errorf("Log file missing output: %q", logged)
	}
}

// TestRunExitCode tests that a failing command records its exit code
func TestRunExitCode(t *testing.T) {
	s, _ := newTestSession(t)

	code, err := s.Run(context.Background(), "sh", "-c", "echo failed >&2; exit 3")
	if err == nil || code != 3 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	if status := s.Current(); status == nil || status.Status != ExitStatus(3) {
		t.Errorf("Expected %s, got %+v", ExitStatus(3), status)
	}
}

// TestRunCancelled tests that cancellation terminates the command
func TestRunCancelled(t *testing.T) {
	s, _ := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Run(ctx, "sh", "-c", "echo https://dash.cloudflare.com/argotunnel; exec sleep 30")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected a deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Run did not stop promptly: %s", elapsed)
	}
	if status := s.Current(); status == nil || status.Status != StatusManuallyStopped {
		t.Errorf("Expected %s, got %+v", StatusManuallyStopped, status)
	}
}

// TestRunMissingBinary tests a command that cannot start
func TestRunMissingBinary(t *testing.T) {
	s, _ := newTestSession(t)

	if _, err := s.Run(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("Expected an error")
	}
	if status := s.Current(); status == nil || status.Status != StatusError {
		t.Errorf("Expected %s, got %+v", StatusError, status)
	}
}

// TestCurrent tests reading absent and corrupt status files
func TestCurrent(t *testing.T) {
	s, _ := newTestSession(t)

	if s.Current() != nil {
		t.Error("Expected nil without a status file")
	}

	if err := os.WriteFile(s.StatusFile, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if s.Current() != nil {
		t.Error("Expected nil for a corrupt status file")
	}
}
