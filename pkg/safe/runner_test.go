package safe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCtx_RecoversPanic(t *testing.T) {
	got := make(chan error, 1)
	GoCtx(context.Background(), func(context.Context) {
		panic("adapter exploded")
	}, func(err error) { got <- err })

	select {
	case err := <-got:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "adapter exploded")
	case <-time.After(time.Second):
		t.Fatal("onPanic not called")
	}
}

func TestGo_RunsFn(t *testing.T) {
	done := make(chan struct{})
	Go(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fn not run")
	}
}
