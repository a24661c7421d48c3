package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/z-wentao/subflow/pkg/models"
	"github.com/z-wentao/subflow/pkg/queue"
	"go.uber.org/goleak"
)

type recordingDeleter struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newRecordingDeleter(fail ...string) *recordingDeleter {
	d := &recordingDeleter{calls: map[string]int{}, fail: map[string]bool{}}
	for _, name := range fail {
		d.fail[name] = true
	}
	return d
}

func (d *recordingDeleter) Delete(_ context.Context, ref models.MediaReference) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[ref.Pathname]++
	if d.fail[ref.Pathname] {
		return errors.New("store unavailable")
	}
	return nil
}

func (d *recordingDeleter) count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

func TestCleanerDeletesEachReferenceOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	deleter := newRecordingDeleter("b.mp3")
	c := NewCleaner(queue.NewMemoryQueue(8), deleter, zerolog.Nop(), reg)
	c.Start()

	for _, name := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		c.Release(models.MediaReference{Pathname: name, URL: "http://blob.test/blob/" + name}, "test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	for _, name := range []string{"a.mp3", "b.mp3", "c.mp3"} {
		assert.Equal(t, 1, deleter.count(name), name)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(c.metrics.deletes.WithLabelValues("deleted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.deletes.WithLabelValues("failed")))
}

func TestCleanerFallsBackWhenQueueRejects(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := queue.NewMemoryQueue(1)
	require.NoError(t, q.Close())

	deleter := newRecordingDeleter()
	c := NewCleaner(q, deleter, zerolog.Nop(), nil)
	c.Start()

	c.Release(models.MediaReference{Pathname: "a.mp3"}, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	assert.Equal(t, 1, deleter.count("a.mp3"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.fallback))
}

func TestReleaseDoesNotWaitForDelete(t *testing.T) {
	defer goleak.VerifyNone(t)

	block := make(chan struct{})
	deleter := DeleterFunc(func(context.Context, models.MediaReference) error {
		<-block
		return nil
	})
	c := NewCleaner(queue.NewMemoryQueue(4), deleter, zerolog.Nop(), nil)
	c.Start()

	start := time.Now()
	c.Release(models.MediaReference{Pathname: "slow.mp3"}, "test")
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}
