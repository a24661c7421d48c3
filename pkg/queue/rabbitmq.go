package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/z-wentao/subflow/pkg/models"
)

// RabbitMQQueue RabbitMQ 队列实现
// 1. 发布和消费使用独立连接
// 2. 通过 QoS prefetchCount 控制并发
// 3. 手动 Ack/Nack
type RabbitMQQueue struct {
	url       string
	queueName string
	prefetch  int
	logger    zerolog.Logger
	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	// 发布消息用的连接和通道
	publishConn    *amqp.Connection
	publishChannel *amqp.Channel
	publishMutex   sync.Mutex

	// 消费消息用的连接和通道
	consumeConn    *amqp.Connection
	consumeChannel *amqp.Channel
	deliveries     <-chan amqp.Delivery

	// RabbitMQ Channel 不是并发安全的
	ackMutex sync.Mutex
}

// NewRabbitMQQueue 创建 RabbitMQ 队列
func NewRabbitMQQueue(url, queueName string, prefetch int, logger zerolog.Logger) (*RabbitMQQueue, error) {
	if prefetch <= 0 {
		prefetch = 3
	}
	ctx, cancel := context.WithCancel(context.Background())

	rq := &RabbitMQQueue{
		url:       url,
		queueName: queueName,
		prefetch:  prefetch,
		logger:    logger.With().Str("component", "rabbitmq").Str("queue", queueName).Logger(),
		closed:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := rq.setupPublisher(); err != nil {
		cancel()
		return nil, fmt.Errorf("初始化发布者失败: %w", err)
	}

	if err := rq.setupConsumer(); err != nil {
		cancel()
		rq.closePublisher()
		return nil, fmt.Errorf("初始化消费者失败: %w", err)
	}

	rq.logger.Info().Msg("✓ RabbitMQ 队列初始化成功")
	return rq, nil
}

// dialChannel 建立连接并声明持久化队列（幂等操作）
func (rq *RabbitMQQueue) dialChannel() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(rq.url)
	if err != nil {
		return nil, nil, fmt.Errorf("连接失败: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("创建 RabbitMQ Channel 失败: %w", err)
	}

	_, err = ch.QueueDeclare(
		rq.queueName, // name
		true,         // durable
		false,        // autoDelete
		false,        // exclusive
		false,        // noWait
		nil,          // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("声明队列失败: %w", err)
	}

	return conn, ch, nil
}

// setupPublisher 设置发布者连接
func (rq *RabbitMQQueue) setupPublisher() error {
	conn, ch, err := rq.dialChannel()
	if err != nil {
		return err
	}
	rq.publishConn = conn
	rq.publishChannel = ch
	return nil
}

// setupConsumer 设置消费者连接
func (rq *RabbitMQQueue) setupConsumer() error {
	conn, ch, err := rq.dialChannel()
	if err != nil {
		return err
	}

	if err := ch.Qos(rq.prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("设置 QoS 失败: %w", err)
	}

	deliveries, err := ch.Consume(
		rq.queueName,      // queue
		"subflow-cleaner", // consumer tag
		false,             // autoAck: 手动确认
		false,             // exclusive
		false,             // noLocal
		false,             // noWait
		nil,               // args
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("启动消费失败: %w", err)
	}

	rq.consumeConn = conn
	rq.consumeChannel = ch
	rq.deliveries = deliveries

	rq.logger.Info().Int("prefetch", rq.prefetch).Msg("✓ RabbitMQ 消费者已启动")
	return nil
}

// Enqueue 发布删除任务
func (rq *RabbitMQQueue) Enqueue(task *models.DeleteTask) error {
	select {
	case <-rq.closed:
		return ErrQueueClosed
	default:
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("序列化任务失败: %w", err)
	}

	rq.publishMutex.Lock()
	defer rq.publishMutex.Unlock()

	// 发布不能拖慢调用方，最多等 5 秒
	ctx, cancel := context.WithTimeout(rq.ctx, 5*time.Second)
	defer cancel()

	err = rq.publishChannel.PublishWithContext(
		ctx,
		"",           // 默认 exchange
		rq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}
	return nil
}

// Dequeue 读取下一条删除任务
func (rq *RabbitMQQueue) Dequeue(ctx context.Context) (*models.DeleteTask, error) {
	select {
	case <-rq.closed:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case delivery, ok := <-rq.deliveries:
		if !ok {
			return nil, fmt.Errorf("消费通道已关闭: %w", ErrQueueClosed)
		}

		var task models.DeleteTask
		if err := json.Unmarshal(delivery.Body, &task); err != nil {
			// 无法解析的消息直接丢弃，不重新入队
			rq.nackInternal(delivery.DeliveryTag, false)
			return nil, fmt.Errorf("反序列化任务失败: %w", err)
		}

		task.DeliveryTag = delivery.DeliveryTag
		task.RabbitMQDelivery = &delivery
		return &task, nil
	}
}

// Ack 确认消息
func (rq *RabbitMQQueue) Ack(task *models.DeleteTask) error {
	if task.RabbitMQDelivery == nil {
		return nil
	}
	return rq.ackInternal(task.DeliveryTag)
}

// Nack 拒绝消息
func (rq *RabbitMQQueue) Nack(task *models.DeleteTask, requeue bool) error {
	if task.RabbitMQDelivery == nil {
		return nil
	}
	return rq.nackInternal(task.DeliveryTag, requeue)
}

func (rq *RabbitMQQueue) ackInternal(deliveryTag uint64) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeChannel.Ack(deliveryTag, false)
}

func (rq *RabbitMQQueue) nackInternal(deliveryTag uint64, requeue bool) error {
	rq.ackMutex.Lock()
	defer rq.ackMutex.Unlock()

	return rq.consumeChannel.Nack(deliveryTag, false, requeue)
}

// Close 关闭队列
func (rq *RabbitMQQueue) Close() error {
	rq.closeOnce.Do(func() {
		close(rq.closed)
		rq.cancel()

		if rq.consumeChannel != nil {
			rq.consumeChannel.Close()
		}
		if rq.consumeConn != nil {
			rq.consumeConn.Close()
		}
		rq.closePublisher()

		rq.logger.Info().Msg("✓ RabbitMQ 队列已关闭")
	})
	return nil
}

func (rq *RabbitMQQueue) closePublisher() {
	if rq.publishChannel != nil {
		rq.publishChannel.Close()
	}
	if rq.publishConn != nil {
		rq.publishConn.Close()
	}
}

// QueueInfo 队列积压和消费者数量（调试用）
func (rq *RabbitMQQueue) QueueInfo() (messages, consumers int, err error) {
	q, err := rq.publishChannel.QueueInspect(rq.queueName)
	if err != nil {
		return 0, 0, err
	}
	return q.Messages, q.Consumers, nil
}
