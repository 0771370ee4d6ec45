//go:build linux

package irq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventFD(t *testing.T) {
	e, err := NewEventFD()
	require.NoError(t, err)
	defer e.Close()
	assert.GreaterOrEqual(t, e.FD(), 0)

	e.Fire()
	e.Fire()
	require.NoError(t, e.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded, "read drains the counter")
}

func TestEventFDTable(t *testing.T) {
	tbl := NewTable(func() (Line, error) { return NewEventFD() })
	l, err := tbl.Line(0)
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		tbl.Fire(0)
	}()
	require.NoError(t, l.Wait(context.Background()))
	require.NoError(t, tbl.Close())
}
