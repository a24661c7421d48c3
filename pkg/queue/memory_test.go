package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/z-wentao/subflow/pkg/models"
)

func TestMemoryQueueFIFO(t *testing.T) {
	q := NewMemoryQueue(2)
	require.NoError(t, q.Enqueue(&models.DeleteTask{Pathname: "a"}))
	require.NoError(t, q.Enqueue(&models.DeleteTask{Pathname: "b"}))
	assert.ErrorIs(t, q.Enqueue(&models.DeleteTask{Pathname: "c"}), ErrQueueFull)

	ctx := context.Background()
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", task.Pathname)
	task, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", task.Pathname)
}

func TestMemoryQueueDrainsAfterClose(t *testing.T) {
	q := NewMemoryQueue(4)
	require.NoError(t, q.Enqueue(&models.DeleteTask{Pathname: "a"}))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(&models.DeleteTask{Pathname: "b"}), ErrQueueClosed)

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", task.Pathname)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestMemoryQueueDequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueNackRequeue(t *testing.T) {
	q := NewMemoryQueue(1)
	task := &models.DeleteTask{Pathname: "a"}

	require.NoError(t, q.Nack(task, false))
	assert.Equal(t, 0, q.Len())
	require.NoError(t, q.Nack(task, true))
	assert.Equal(t, 1, q.Len())
}
