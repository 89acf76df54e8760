package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withLevel(t *testing.T, level LogLevel) {
	t.Helper()
	prev := GetLevel()
	SetLevel(level)
	t.Cleanup(func() { SetLevel(prev) })
}

type capture struct {
	mu      sync.Mutex
	entries []LogEntry
}

func captureEntries(t *testing.T) *capture {
	c := &capture{}
	remove := AddHook(func(e LogEntry) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.entries = append(c.entries, e)
	})
	t.Cleanup(remove)
	return c
}

func (c *capture) all() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.entries...)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"WARN", WARN, false},
		{"warning", WARN, false},
		{" error ", ERROR, false},
		{"trace", TRACE, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogLevel_String(t *testing.T) {
	assert.Equal(t, "FATAL", FATAL.String())
	assert.Equal(t, "LEVEL(42)", LogLevel(42).String())
}

func TestHooks_ReceiveEntries(t *testing.T) {
	withLevel(t, INFO)
	c := captureEntries(t)

	WarnCF("test", "disk low", map[string]interface{}{"free": 3})
	DebugC("test", "filtered")

	entries := c.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "test", entries[0].Component)
	assert.Equal(t, "disk low", entries[0].Message)
	assert.Equal(t, 3, entries[0].Fields["free"])
	assert.Contains(t, entries[0].Caller, "logger_test.go")
}

func TestAddHook_Remove(t *testing.T) {
	var n int
	remove := AddHook(func(LogEntry) { n++ })
	ErrorC("test", "one")
	remove()
	ErrorC("test", "two")
	assert.Equal(t, 1, n)
}

func TestLog_FatalDoesNotExit(t *testing.T) {
	c := captureEntries(t)
	Log(FATAL, "bridge", "critical from library", nil)

	entries := c.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "FATAL", entries[0].Level)
}

func TestFileLogging(t *testing.T) {
	withLevel(t, DEBUG)
	path := filepath.Join(t.TempDir(), "clawgate.log")
	require.NoError(t, EnableFileLogging(path))

	DebugCF("file", "written", map[string]interface{}{"k": "v"})
	DisableFileLogging()
	InfoC("file", "not written")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 1)
	assert.Equal(t, "DEBUG", lines[0].Level)
	assert.Equal(t, "v", lines[0].Fields["k"])
}

func TestEnableFileLogging_BadPath(t *testing.T) {
	assert.Error(t, EnableFileLogging(filepath.Join(t.TempDir(), "missing", "x.log")))
}

func TestFormatFields_Sorted(t *testing.T) {
	assert.Equal(t, "{a=1, b=two}", formatFields(map[string]interface{}{"b": "two", "a": 1}))
}
