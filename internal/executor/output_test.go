package executor_test

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/sakif/code-executor/internal/executor"
)

func TestOutputBuffer(t *testing.T) {
	t.Run("under the limit", func(t *testing.T) {
		b := executor.NewOutputBuffer(16)
		n, err := b.Write([]byte("hello"))
		assert.NoError(t, err)
		assert.Equal(t, 5, n)
		assert.Equal(t, "hello", b.String())
		assert.False(t, b.Truncated())
	})

	t.Run("exactly the limit", func(t *testing.T) {
		b := executor.NewOutputBuffer(5)
		_, _ = b.Write([]byte("hello"))
		assert.Equal(t, "hello", b.String())
		assert.False(t, b.Truncated())
	})

	t.Run("write crossing the limit", func(t *testing.T) {
		b := executor.NewOutputBuffer(4)
		n, err := b.Write([]byte("abcdef"))
		assert.NoError(t, err)
		assert.Equal(t, 6, n, "discarded bytes are still reported as written")
		assert.Equal(t, "abcd", b.String())
		assert.True(t, b.Truncated())
	})

	t.Run("writes after the limit", func(t *testing.T) {
		b := executor.NewOutputBuffer(3)
		_, _ = b.Write([]byte("abc"))
		_, _ = b.Write([]byte("d"))
		assert.Equal(t, "abc", b.String())
		assert.True(t, b.Truncated())
	})

	t.Run("cut inside a multi-byte character", func(t *testing.T) {
		b := executor.NewOutputBuffer(4)
		_, _ = b.Write([]byte("ab€cd"))
		assert.Equal(t, "ab", b.String())
		assert.True(t, utf8.ValidString(b.String()))
		assert.True(t, b.Truncated())

		_, _ = b.Write([]byte("e"))
		assert.Equal(t, "ab", b.String(), "nothing is kept once output was cut")
	})

	t.Run("character split across writes at the limit", func(t *testing.T) {
		b := executor.NewOutputBuffer(3)
		euro := []byte("€")
		_, _ = b.Write(append([]byte("a"), euro[:2]...))
		_, _ = b.Write(euro[2:])
		assert.Equal(t, "a", b.String())
		assert.True(t, b.Truncated())
	})

	t.Run("invalid bytes at the cut are kept", func(t *testing.T) {
		b := executor.NewOutputBuffer(3)
		_, _ = b.Write([]byte{'a', 0xff, 0xfe, 'b'})
		assert.Equal(t, []byte{'a', 0xff, 0xfe}, []byte(b.String()))
	})

	t.Run("default limit", func(t *testing.T) {
		b := executor.NewOutputBuffer(0)
		_, _ = fmt.Fprint(b, strings.Repeat("x", int(executor.DefaultOutputLimit)+10))
		assert.Len(t, b.String(), int(executor.DefaultOutputLimit))
		assert.True(t, b.Truncated())
	})
}

func TestExpandEnv(t *testing.T) {
	env := executor.ExpandEnv([]string{
		"GOCACHE=$WORKSPACE/.gocache",
		"GOPATH=${WORKSPACE}/.gopath",
		"CGO_ENABLED=0",
		"OTHER=$HOME",
	}, "/workspace")

	assert.Equal(t, []string{
		"GOCACHE=/workspace/.gocache",
		"GOPATH=/workspace/.gopath",
		"CGO_ENABLED=0",
		"OTHER=$HOME",
	}, env)
}

func TestProcessRunFailed(t *testing.T) {
	assert.False(t, (&executor.ProcessRun{}).Failed())
	assert.True(t, (&executor.ProcessRun{ExitCode: 1}).Failed())
	assert.True(t, (&executor.ProcessRun{Signal: "killed"}).Failed())
	assert.True(t, (&executor.ProcessRun{TimedOut: true}).Failed())
}
