package events

import (
	"context"

	"github.com/fleetmanager/backend/internal/citizens"
	"go.uber.org/zap"
)

// LogNotifier writes every notification to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier logs to logger, or discards when logger is nil.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification topic and its identifying fields at info level.
func (n *LogNotifier) Notify(_ context.Context, notification citizens.Notification) error {
	fields := []zap.Field{zap.String("topic", notification.Topic())}
	switch typed := notification.(type) {
	case citizens.OrganizationObserved:
		fields = append(fields,
			zap.String("organization_id", typed.OrganizationID),
			zap.String("organization_sid", typed.OrganizationSID),
			zap.String("name", typed.Name),
			zap.String("host", typed.Host))
	case citizens.CitizenRefreshed:
		fields = append(fields,
			zap.String("citizen_id", typed.CitizenID),
			zap.String("handle", typed.Handle),
			zap.Int("memberships_created", typed.Changes.MembershipsCreated),
			zap.Int("memberships_updated", typed.Changes.MembershipsUpdated),
			zap.Int("memberships_deleted", typed.Changes.MembershipsDeleted))
	}
	n.logger.Info("notification", fields...)
	return nil
}
