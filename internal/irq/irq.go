// Package irq delivers completion interrupts to the goroutine that drains
// a completion queue.
package irq

import (
	"context"
	"sync"
	"sync/atomic"
)

// Source is the receiving end of one interrupt vector
type Source interface {
	// Wait blocks until the vector fires or ctx is done. Interrupts that
	// arrive while nobody waits are coalesced into one pending wakeup.
	Wait(ctx context.Context) error
}

// Line is one interrupt vector with both ends
type Line interface {
	Source
	Fire()
}

// Chan is an in-process interrupt line
type Chan struct {
	ch    chan struct{}
	fired atomic.Uint64
}

// NewChan creates an in-process interrupt line
func NewChan() *Chan {
	return &Chan{ch: make(chan struct{}, 1)}
}

// Fire raises the interrupt
func (c *Chan) Fire() {
	c.fired.Add(1)
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *Chan) Wait(ctx context.Context) error {
	select {
	case <-c.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns how many times the line fired
func (c *Chan) Count() uint64 {
	return c.fired.Load()
}

// Table maps vectors to lines
type Table struct {
	mu    sync.RWMutex
	lines map[uint16]Line
	newFn func() (Line, error)
}

// NewTable creates a vector table whose lines are produced by newFn
func NewTable(newFn func() (Line, error)) *Table {
	if newFn == nil {
		newFn = func() (Line, error) { return NewChan(), nil }
	}
	return &Table{lines: make(map[uint16]Line), newFn: newFn}
}

// Line returns the line for vector, creating it on first use
func (t *Table) Line(vector uint16) (Line, error) {
	t.mu.RLock()
	l, ok := t.lines[vector]
	t.mu.RUnlock()
	if ok {
		return l, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.lines[vector]; ok {
		return l, nil
	}
	l, err := t.newFn()
	if err != nil {
		return nil, err
	}
	t.lines[vector] = l
	return l, nil
}

// Fire raises vector if it has a line
func (t *Table) Fire(vector uint16) {
	t.mu.RLock()
	l, ok := t.lines[vector]
	t.mu.RUnlock()
	if ok {
		l.Fire()
	}
}

// Close closes every line that holds OS resources
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for v, l := range t.lines {
		if c, ok := l.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(t.lines, v)
	}
	return firstErr
}
