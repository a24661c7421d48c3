package queue

import (
	"context"
	"errors"

	"github.com/z-wentao/subflow/pkg/models"
)

var (
	ErrQueueFull   = errors.New("队列已满")
	ErrQueueClosed = errors.New("队列已关闭")
)

// Queue 删除任务队列接口
// 内存实现和 RabbitMQ 实现可以互换
type Queue interface {
	// Enqueue 将任务加入队列，不阻塞
	Enqueue(task *models.DeleteTask) error

	// Dequeue 从队列取出任务（阻塞，直到有任务、队列关闭或 ctx 取消）
	Dequeue(ctx context.Context) (*models.DeleteTask, error)

	// Ack 确认消息（任务已处理）
	Ack(task *models.DeleteTask) error

	// Nack 拒绝消息
	// requeue: 是否重新入队
	Nack(task *models.DeleteTask, requeue bool) error

	// Close 关闭队列
	Close() error
}
