package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoPropagatesNameIntoContext(t *testing.T) {
	got := make(chan string, 1)

	Go(context.Background(), "test-loop", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "test-loop", name)
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGoNilParentContext(t *testing.T) {
	got := make(chan context.Context, 1)
	Go(nil, "nil-parent", func(ctx context.Context) {
		got <- ctx
	})

	select {
	case ctx := <-got:
		require.NotNil(t, ctx)
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestGetNameWithoutLabel(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.Equal(t, "", GetName(nil))
}
