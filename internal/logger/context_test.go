package logger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("returns the stored logger", func(t *testing.T) {
		t.Parallel()

		want := slog.New(slog.NewJSONHandler(io.Discard, nil))
		ctx := WithContext(context.Background(), want)

		assert.Same(t, want, FromContext(ctx))
	})

	t.Run("falls back to the default logger", func(t *testing.T) {
		t.Parallel()

		assert.Same(t, slog.Default(), FromContext(context.Background()))
	})
}
