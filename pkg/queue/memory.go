package queue

import (
	"context"
	"sync"

	"github.com/z-wentao/subflow/pkg/models"
)

// MemoryQueue 基于 Channel 的内存队列实现
type MemoryQueue struct {
	queue  chan *models.DeleteTask
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &MemoryQueue{
		queue:  make(chan *models.DeleteTask, bufferSize),
		closed: make(chan struct{}),
	}
}

// Enqueue 将任务加入队列，队列满时立即返回错误
func (mq *MemoryQueue) Enqueue(task *models.DeleteTask) error {
	select {
	case <-mq.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case mq.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue 从队列取出任务（阻塞等待）
// 关闭后仍会先取完缓冲区里剩余的任务
func (mq *MemoryQueue) Dequeue(ctx context.Context) (*models.DeleteTask, error) {
	select {
	case task := <-mq.queue:
		return task, nil
	default:
	}

	select {
	case task := <-mq.queue:
		return task, nil
	case <-mq.closed:
		select {
		case task := <-mq.queue:
			return task, nil
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack 内存队列无需确认
func (mq *MemoryQueue) Ack(*models.DeleteTask) error {
	return nil
}

// Nack 内存队列按需重新入队
func (mq *MemoryQueue) Nack(task *models.DeleteTask, requeue bool) error {
	if !requeue {
		return nil
	}
	return mq.Enqueue(task)
}

// Len 当前积压数量
func (mq *MemoryQueue) Len() int {
	return len(mq.queue)
}

// Close 关闭队列
func (mq *MemoryQueue) Close() error {
	mq.once.Do(func() { close(mq.closed) })
	return nil
}
