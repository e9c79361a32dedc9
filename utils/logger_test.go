package utils

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Logger = &DefaultLogger{}
	_ Logger = &NopLogger{}
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestWithDefaultArgs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, getDefaultArgs(ctx))

	ctx = WithDefaultArgs(ctx, "doc", "d1")
	ctx = WithDefaultArgs(ctx, "site", "alice_1")
	assert.Equal(t, []any{"doc", "d1", "site", "alice_1"}, getDefaultArgs(ctx))
}
