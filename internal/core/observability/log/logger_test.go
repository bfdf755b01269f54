package log

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestToZapFieldsCoversEveryType(t *testing.T) {
	fields := []Field{
		Bool("b", true),
		Duration("d", time.Second),
		Int("i", 1),
		Int64("i64", 1),
		String("s", "x"),
		Error(errors.New("boom")),
		ErrorWithKey("cause", errors.New("bang")),
		{Key: "raw", Value: struct{}{}},
	}

	assert.NotPanics(t, func() {
		zapFields := toZapFields(fields...)
		assert.Len(t, zapFields, len(fields))
	})
}

func TestSetLevelIsShared(t *testing.T) {
	logger := NewNop()
	child := logger.With(String("component", "test"))

	logger.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, child.GetLevel())
	assert.NotPanics(t, func() { child.Debug("hidden", Int("n", 1)) })
}
