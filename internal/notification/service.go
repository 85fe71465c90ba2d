package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/repository"
)

type Event struct {
	RunID    string
	Event    models.NotificationEvent
	Severity models.NotificationSeverity
	Title    string
	Message  string
	Metadata map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifyRunStarted(ctx context.Context, run models.RunExecution) error
	NotifyRunSucceeded(ctx context.Context, run models.RunExecution, outcome models.RunOutcome) error
	NotifyRunFailed(ctx context.Context, run models.RunExecution, reason string) error
	ListRecent(ctx context.Context, limit int) ([]models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
	now       func() time.Time
}

// NewService builds the service; a nil repo keeps history in memory.
func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	if repo == nil {
		repo = repository.NewMemoryNotificationRepository()
	}
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Publish stores the notification and fans it out to every notifier. Delivery
// failures are logged and never returned. A storage failure is returned after
// the notifiers ran.
func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, errors.New("event type is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	if title == "" {
		title = string(evt.Event)
	}
	notif := models.Notification{
		ID:        uuid.NewString(),
		RunID:     evt.RunID,
		EventType: evt.Event,
		Severity:  evt.Severity,
		Title:     title,
		Message:   strings.TrimSpace(evt.Message),
		CreatedAt: s.now(),
	}
	if len(evt.Metadata) > 0 {
		raw, err := json.Marshal(evt.Metadata)
		if err != nil {
			return models.Notification{}, errors.Wrap(err, "marshal notification metadata")
		}
		notif.Metadata = raw
	}

	storeErr := s.repo.Create(ctx, notif)
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	if storeErr != nil {
		return notif, errors.Wrap(storeErr, "store notification")
	}
	return notif, nil
}

// ListRecent returns up to limit notifications, newest first.
func (s *service) ListRecent(ctx context.Context, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > repository.MemoryNotificationCapacity {
		limit = 25
	}
	return s.repo.ListRecent(ctx, limit)
}

func runMetadata(run models.RunExecution) map[string]interface{} {
	return map[string]interface{}{
		"run_id":      run.ID,
		"destination": run.Destination,
		"start_date":  run.StartDate,
		"end_date":    run.EndDate,
		"trigger":     run.Trigger,
	}
}

func (s *service) NotifyRunStarted(ctx context.Context, run models.RunExecution) error {
	_, err := s.Publish(ctx, Event{
		RunID:    run.ID,
		Event:    models.NotificationEventRunStarted,
		Severity: models.NotificationSeverityInfo,
		Title:    fmt.Sprintf("Run started: %s", run.Destination),
		Message:  fmt.Sprintf("Run %s for %s to %s has started.", run.ID, run.StartDate, run.EndDate),
		Metadata: runMetadata(run),
	})
	return err
}

func (s *service) NotifyRunSucceeded(ctx context.Context, run models.RunExecution, outcome models.RunOutcome) error {
	metadata := runMetadata(run)
	metadata["tables_matched"] = outcome.TablesMatched
	if outcome.QueryJobID != "" {
		metadata["query_job_id"] = outcome.QueryJobID
	}
	if outcome.ExportJobID != "" {
		metadata["export_job_id"] = outcome.ExportJobID
	}
	if outcome.LoadedTable != "" {
		metadata["loaded_table"] = outcome.LoadedTable
		metadata["rows_rejected"] = outcome.RowsRejected
	}
	severity := models.NotificationSeverityInfo
	if outcome.RowsRejected > 0 {
		severity = models.NotificationSeverityWarning
	}
	_, err := s.Publish(ctx, Event{
		RunID:    run.ID,
		Event:    models.NotificationEventRunSucceeded,
		Severity: severity,
		Title:    fmt.Sprintf("Run succeeded: %s", run.Destination),
		Message:  fmt.Sprintf("Run %s unioned %d tables into %s.", run.ID, outcome.TablesMatched, run.Destination),
		Metadata: metadata,
	})
	return err
}

func (s *service) NotifyRunFailed(ctx context.Context, run models.RunExecution, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Unknown error"
	}
	metadata := runMetadata(run)
	metadata["reason"] = reason
	_, err := s.Publish(ctx, Event{
		RunID:    run.ID,
		Event:    models.NotificationEventRunFailed,
		Severity: models.NotificationSeverityError,
		Title:    fmt.Sprintf("Run failed: %s", run.Destination),
		Message:  fmt.Sprintf("Run %s failed: %s", run.ID, reason),
		Metadata: metadata,
	})
	return err
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
