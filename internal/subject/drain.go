package subject

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// lineRing keeps the last max lines written to it. Single writer (the drain
// goroutine), snapshot readers.
type lineRing struct {
	mu      sync.Mutex
	max     int
	lines   []string
	dropped bool
}

func newLineRing(max int) *lineRing {
	if max < 1 {
		max = 1
	}
	return &lineRing{max: max}
}

func (r *lineRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		over := len(r.lines) - r.max
		r.lines = append(r.lines[:0], r.lines[over:]...)
		r.dropped = true
	}
}

func (r *lineRing) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) == 0 {
		return nil
	}
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func (r *lineRing) Dropped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// drainLines consumes the subject's stderr to EOF. Undecodable bytes are
// replaced rather than failed on, and read errors are swallowed: this
// goroutine must never take the harness down, its only job is to keep the
// pipe from backing up.
func drainLines(src io.Reader, ring *lineRing) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring.Append(strings.ToValidUTF8(scanner.Text(), "�"))
	}
	// EOF or read error: either way the stream is finished.
}
