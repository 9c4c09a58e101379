// Package logsink is the shared append-only log file both services write to.
// Appends from the mail receiver and the web front end interleave without
// ordering guarantees; every line carries its own timestamp.
package logsink

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

const unreadablePlaceholder = "Log file not found."

type Sink struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Sink {
	return &Sink{path: path}
}

// Write appends raw bytes to the log file, creating it when absent. It
// implements io.Writer so an slog handler can be pointed straight at the sink.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()
	n, err := f.Write(p)
	if err != nil {
		return n, fmt.Errorf("append log: %w", err)
	}
	return n, nil
}

func (s *Sink) Append(line string) error {
	_, err := s.Write([]byte(line + "\n"))
	return err
}

// Tail returns the last n lines, most recent first. An unreadable log file
// degrades to a single placeholder line instead of an error.
func (s *Sink) Tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		return []string{unreadablePlaceholder}
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if scanner.Err() != nil {
		return []string{unreadablePlaceholder}
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	reversed := make([]string, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		reversed = append(reversed, lines[i])
	}
	return reversed
}

func (s *Sink) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.path, nil, 0o644); err != nil {
		return fmt.Errorf("truncate log: %w", err)
	}
	return nil
}
