package repository

import (
	"context"
	"sync"

	"github.com/stanstork/bqrunner/internal/models"
)

// MemoryNotificationCapacity bounds the in-memory notification history.
const MemoryNotificationCapacity = 100

type memoryNotificationRepository struct {
	mu     sync.Mutex
	recent []models.Notification
}

func NewMemoryNotificationRepository() NotificationRepository {
	return &memoryNotificationRepository{}
}

func (r *memoryNotificationRepository) Create(_ context.Context, notif models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recent = append(r.recent, notif)
	if len(r.recent) > MemoryNotificationCapacity {
		r.recent = r.recent[len(r.recent)-MemoryNotificationCapacity:]
	}
	return nil
}

// ListRecent returns up to limit notifications, newest first.
func (r *memoryNotificationRepository) ListRecent(_ context.Context, limit int) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.recent) {
		limit = len(r.recent)
	}
	out := make([]models.Notification, 0, limit)
	for i := len(r.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.recent[i])
	}
	return out, nil
}
