package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"INFO", InfoLevel, false},
		{"", InfoLevel, false},
		{"notice", NoticeLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStdLoggerFormatMessage(t *testing.T) {
	RegisterChain(990001, "SRC")
	l := NewStdLogger(false, InfoLevel)

	t.Run("with registered chain", func(t *testing.T) {
		msg := l.formatMessage(InfoLevel, 990001, "hello")
		assert.Equal(t, "[INFO]   [SRC]  hello", msg)
	})

	t.Run("unknown chain has no prefix", func(t *testing.T) {
		msg := l.formatMessage(ErrorLevel, 42, "boom")
		assert.Equal(t, "[ERROR]  boom", msg)
	})

	t.Run("chain name falls back to id", func(t *testing.T) {
		assert.Equal(t, "SRC", ChainName(990001))
		assert.Equal(t, "42", ChainName(42))
	})
}

func TestLogrusLoggerFields(t *testing.T) {
	RegisterChain(990002, "DEST")

	var buf bytes.Buffer
	l := newLogrusLogger(&buf, DebugLevel, true)
	l.InfoWithChain(990002, "submitted %s", "0xabc")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "submitted 0xabc", entry["msg"])
	assert.Equal(t, "DEST", entry["chain"])
	assert.Equal(t, float64(990002), entry["chain_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestLogrusLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogrusLogger(&buf, ErrorLevel, true)
	l.Info("dropped")
	l.Notice("dropped too")
	assert.Empty(t, buf.String())

	l.Error("kept")
	assert.Contains(t, buf.String(), "kept")
}
