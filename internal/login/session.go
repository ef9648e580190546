// Package login runs the provider's interactive browser login and tracks its progress in a
// status file other processes can poll.
package login

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Status values written to the status file
const (
	StatusStarting        = "starting"
	StatusURLFound        = "url_found"
	StatusCompleted       = "completed"
	StatusError           = "error"
	StatusManuallyStopped = "manually_stopped"
)

var authURLPattern = regexp.MustCompile(`https://\S*cloudflare\S*`)

// Status is the persisted progress of a login
type Status struct {
	Status      string `json:"status"`
	LastUpdated string `json:"last_updated"`
	URL         string `json:"url,omitempty"`
}

// ExitStatus returns the status recorded for a non-zero exit code
func ExitStatus(code int) string {
	return fmt.Sprintf("error_exit_%d", code)
}

// ExtractURL returns the authorization URL on a line of login output, or ""
func ExtractURL(line string) string {
	return authURLPattern.FindString(line)
}

// DetectAuthSuccess reports whether a line announces a completed login
func DetectAuthSuccess(line string) bool {
	return strings.Contains(strings.ToLower(line), "successfully logged")
}

// Session runs one login command
type Session struct {
	// StatusFile receives a JSON Status on every transition; empty disables it
	StatusFile string
	// LogFile receives a copy of the command output; empty disables it
	LogFile string
	// Out receives the command output as it arrives
	Out io.Writer

	now func() time.Time
}

// NewSession creates a session echoing output to out
func NewSession(statusFile, logFile string, out io.Writer) *Session {
	return &Session{
		StatusFile: statusFile,
		LogFile:    logFile,
		Out:        out,
		now:        time.Now,
	}
}

func (s *Session) update(status, url string) {
	if s.StatusFile == "" {
		return
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	data, err := json.MarshalIndent(Status{
		Status:      status,
		LastUpdated: now().UTC().Format(time.RFC3339),
		URL:         url,
	}, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode login status")
		return
	}
	if err := os.WriteFile(s.StatusFile, data, 0600); err != nil {
		log.Warn().Err(err).Str("file", s.StatusFile).Msg("failed to update login status")
		return
	}
	log.Debug().Str("status", status).Str("url", url).Msg("login status")
}

// Current returns the last recorded status, or nil when there is none or it cannot be read
func (s *Session) Current() *Status {
	if s.StatusFile == "" {
		return nil
	}
	data, err := os.ReadFile(s.StatusFile)
	if err != nil {
		return nil
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		log.Debug().Err(err).Msg("login status file is corrupt")
		return nil
	}
	return &status
}

// Run executes the command, streaming its merged output, and returns its exit code.
// Cancelling ctx terminates the command and records it as manually stopped.
func (s *Session) Run(ctx context.Context, name string, args ...string) (int, error) {
	s.update(StatusStarting, "")

	out := s.Out
	if out == nil {
		out = io.Discard
	}
	if s.LogFile != "" {
		logFile, err := os.Create(s.LogFile)
		if err != nil {
			log.Warn().Err(err).Str("file", s.LogFile).Msg("login output will not be logged")
		} else {
			defer logFile.Close()
			out = io.MultiWriter(out, logFile)
		}
	}

	pr, pw := io.Pipe()
	cmd := exec.Command(name, args...)
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		s.update(StatusError, "")
		return -1, fmt.Errorf("failed to start %s: %w", name, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		io.Copy(io.Discard, pr)
	}()

	currentURL := ""
	for done := false; !done; {
		select {
		case <-ctx.Done():
			s.update(StatusManuallyStopped, currentURL)
			cmd.Process.Kill()
			go func() {
				for range lines {
				}
			}()
			<-waitErr
			return -1, ctx.Err()

		case line, ok := <-lines:
			if !ok {
				done = true
				break
			}
			fmt.Fprintln(out, line)

			if url := ExtractURL(line); url != "" && url != currentURL {
				currentURL = url
				s.update(StatusURLFound, currentURL)
			}
			if DetectAuthSuccess(line) {
				s.update(StatusCompleted, currentURL)
			}
		}
	}

	err := <-waitErr
	if err == nil {
		s.update(StatusCompleted, currentURL)
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		s.update(ExitStatus(code), currentURL)
		return code, fmt.Errorf("%s exited with code %d", name, code)
	}

	s.update(StatusError, currentURL)
	return -1, fmt.Errorf("%s failed: %w", name, err)
}
