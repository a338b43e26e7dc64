package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HumanBytes(tt.in))
	}
}

func TestHumanAge(t *testing.T) {
	assert.Equal(t, "never", HumanAge(time.Time{}))
	assert.Equal(t, "just now", HumanAge(time.Now()))
	assert.Equal(t, "5m ago", HumanAge(time.Now().Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", HumanAge(time.Now().Add(-3*time.Hour)))
	assert.Equal(t, "2d ago", HumanAge(time.Now().Add(-49*time.Hour)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a long d...", Truncate("a long description here", 11))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}

func TestTableWriterAlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	w := NewTableWriter(&buf)
	w.WriteHeader("NAME", "VERSION")
	w.WriteRow("hello", "1.0.0")
	w.WriteRow("very-long-name", "2.0.0")
	require.NoError(t, w.Flush())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)
	// columns line up: VERSION starts at the same offset on every line
	idx := bytes.Index(lines[0], []byte("VERSION"))
	assert.Equal(t, idx, bytes.Index(lines[1], []byte("1.0.0")))
	assert.Equal(t, idx, bytes.Index(lines[2], []byte("2.0.0")))
}
