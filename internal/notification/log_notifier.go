package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/models"
)

// LogNotifier writes every notification to the log at a level matching its
// severity.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, notif models.Notification) error {
	var evt *zerolog.Event
	switch notif.Severity {
	case models.NotificationSeverityError:
		evt = n.logger.Error()
	case models.NotificationSeverityWarning:
		evt = n.logger.Warn()
	default:
		evt = n.logger.Info()
	}
	evt.Str("notification_id", notif.ID).
		Str("run_id", notif.RunID).
		Str("event_type", string(notif.EventType)).
		RawJSON("metadata", metadataOrEmpty(notif.Metadata)).
		Msg(notif.Title)
	return nil
}

func metadataOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func (n *LogNotifier) String() string {
	return "LogNotifier"
}
