package repository

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/bqrunner/internal/models"
)

func TestMemoryNotificationRepository_BoundedNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryNotificationRepository()

	for i := 0; i < MemoryNotificationCapacity+5; i++ {
		require.NoError(t, repo.Create(ctx, models.Notification{ID: strconv.Itoa(i)}))
	}

	all, err := repo.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, MemoryNotificationCapacity)
	assert.Equal(t, strconv.Itoa(MemoryNotificationCapacity+4), all[0].ID)
	assert.Equal(t, "5", all[len(all)-1].ID)

	some, err := repo.ListRecent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, some, 3)
}
