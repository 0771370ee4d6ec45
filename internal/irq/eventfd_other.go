//go:build !linux

package irq

import (
	"context"
	"errors"
)

var errNoEventFD = errors.New("irq: eventfd requires linux")

// EventFD is unavailable off linux; NewEventFD always fails
type EventFD struct{}

// NewEventFD reports that eventfd lines are unsupported
func NewEventFD() (*EventFD, error) {
	return nil, errNoEventFD
}

func (e *EventFD) FD() int                        { return -1 }
func (e *EventFD) Fire()                          {}
func (e *EventFD) Wait(ctx context.Context) error { return errNoEventFD }
func (e *EventFD) Close() error                   { return nil }
