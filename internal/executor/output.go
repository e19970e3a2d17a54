package executor

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"unicode/utf8"
)

// DefaultOutputLimit caps each captured stream when no limit is configured.
const DefaultOutputLimit int64 = 1 << 20

// OutputBuffer is an io.Writer that keeps at most limit bytes and silently
// discards the rest. Writes always report success so the child's pipe keeps
// draining and the child never blocks on a full buffer.
type OutputBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

// NewOutputBuffer returns a buffer holding at most limit bytes. A limit of
// zero or less means DefaultOutputLimit.
func NewOutputBuffer(limit int64) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &OutputBuffer{limit: limit}
}

func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - int64(b.buf.Len())
	switch {
	case b.truncated:
	case remaining <= 0:
		if len(p) > 0 {
			b.truncated = true
			b.dropPartialRune()
		}
	case int64(len(p)) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
		b.dropPartialRune()
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// dropPartialRune removes a multi-byte sequence left incomplete at the end of
// the buffer by the cut, so truncated output never ends in half a character.
// Bytes that are not UTF-8 are kept as they are.
func (b *OutputBuffer) dropPartialRune() {
	data := b.buf.Bytes()
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if data[i] >= 0xC0 && !utf8.FullRune(data[i:]) {
			b.buf.Truncate(i)
		}
		return
	}
}

// String returns the retained output.
func (b *OutputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Truncated reports whether any output was discarded.
func (b *OutputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// ExpandEnv substitutes $WORKSPACE in each KEY=VALUE entry with dir, the
// workspace path as the child process sees it. Toolchains use it for caches
// that must be absolute paths.
func ExpandEnv(env []string, dir string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.Contains(kv, "$") {
			out = append(out, kv)
			continue
		}
		out = append(out, os.Expand(kv, func(key string) string {
			if key == "WORKSPACE" {
				return dir
			}
			return "$" + key
		}))
	}
	return out
}
