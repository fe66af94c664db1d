package events

import (
	"context"
	"errors"

	"github.com/fleetmanager/backend/internal/citizens"
)

// Fanout delivers each notification to every notifier and joins their errors.
type Fanout []citizens.Notifier

// Notify calls every notifier in order, even after a failure.
func (f Fanout) Notify(ctx context.Context, notification citizens.Notification) error {
	var errs []error
	for _, notifier := range f {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, notification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
