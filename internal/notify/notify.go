// Package notify delivers submission lifecycle events to users.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/models"
)

type Kind string

const (
	KindSubmitted  Kind = "submitted"
	KindProcessing Kind = "processing"
	KindCompleted  Kind = "completed"
	KindFailed     Kind = "failed"
)

// KindForStatus maps a lifecycle status to the event announcing it.
func KindForStatus(s models.Status) Kind {
	switch s {
	case models.StatusProcessing:
		return KindProcessing
	case models.StatusCompleted:
		return KindCompleted
	case models.StatusFailed:
		return KindFailed
	}
	return KindSubmitted
}

// Event is one notification. Recipient may be nil when the owner record
// could not be resolved; channels that need an address skip such events.
type Event struct {
	Kind       Kind
	Submission models.Submission
	Recipient  *models.User
	At         time.Time
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier records events in the structured log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ev Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"kind", string(ev.Kind),
		"submission", ev.Submission.ID,
		"status", string(ev.Submission.Status),
		"owner", ev.Submission.OwnerID,
	}
	if ev.Recipient != nil {
		attrs = append(attrs, "recipient", ev.Recipient.Email)
	}
	logger.InfoContext(ctx, "submission event", attrs...)
	return nil
}
