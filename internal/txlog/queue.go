package txlog

import (
	"context"
)

// Handler 处理来自消息队列的结算流水。
type Handler func(ctx context.Context, entry Entry) error

// Producer 负责向队列投递流水。
type Producer interface {
	Publish(ctx context.Context, entry Entry) error
	Close() error
}

// Consumer 负责从队列中消费流水。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
