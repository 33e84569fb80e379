package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	// TopicBusiness 外部业务事件
	TopicBusiness = "automation.business"
	// TopicLifecycle 引擎生命周期事件
	TopicLifecycle = "automation.lifecycle"
)

// BusinessHandler 业务事件处理函数
type BusinessHandler func(ctx context.Context, ev *BusinessEvent) error

// LifecycleHandler 生命周期事件处理函数
type LifecycleHandler func(ctx context.Context, ev *LifecycleEvent) error

// BusOptions 事件总线选项
type BusOptions struct {
	Debug        bool
	Trace        bool
	OutputBuffer int64
}

// Bus 进程内事件总线（对外导出）
// 发布者只依赖 Publish*，处理器必须在 Start 之前注册。
type Bus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewBus 创建事件总线
func NewBus(opts BusOptions) (*Bus, error) {
	logger := watermill.NewStdLogger(opts.Debug, opts.Trace)
	buffer := opts.OutputBuffer
	if buffer <= 0 {
		buffer = 256
	}
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, logger)
	if err != nil {
		return nil, fmt.Errorf("创建消息路由器失败: %w", err)
	}
	// 处理失败只记录日志并确认消息，避免同一事件被无限重投
	router.AddMiddleware(ackOnError, middleware.Recoverer)

	return &Bus{pubsub: pubsub, router: router, logger: logger}, nil
}

func ackOnError(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			log.Printf("❌ [事件总线] 处理消息失败: MessageID=%s, Error=%v", msg.UUID, err)
			return nil, nil
		}
		return out, nil
	}
}

// HandleBusiness 注册业务事件处理器
func (b *Bus) HandleBusiness(name string, h BusinessHandler) {
	b.router.AddNoPublisherHandler(name, TopicBusiness, b.pubsub, func(msg *message.Message) error {
		var ev BusinessEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("解析业务事件失败: %w", err)
		}
		return h(msg.Context(), &ev)
	})
}

// HandleLifecycle 注册生命周期事件处理器
func (b *Bus) HandleLifecycle(name string, h LifecycleHandler) {
	b.router.AddNoPublisherHandler(name, TopicLifecycle, b.pubsub, func(msg *message.Message) error {
		var ev LifecycleEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("解析生命周期事件失败: %w", err)
		}
		return h(msg.Context(), &ev)
	})
}

// Start 在后台运行路由器，等到处理器全部订阅完成后返回
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.done = make(chan struct{})
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		if err := b.router.Run(ctx); err != nil {
			log.Printf("❌ [事件总线] 路由器退出: %v", err)
		}
	}()

	select {
	case <-b.router.Running():
		log.Printf("✅ [事件总线] 已启动")
		return nil
	case <-b.done:
		return fmt.Errorf("事件总线启动失败")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishBusiness 发布业务事件
func (b *Bus) PublishBusiness(_ context.Context, ev *BusinessEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return b.publish(TopicBusiness, ev.ID, string(ev.Kind), ev.OrgID, ev)
}

// PublishLifecycle 发布生命周期事件
func (b *Bus) PublishLifecycle(_ context.Context, ev *LifecycleEvent) error {
	return b.publish(TopicLifecycle, ev.ID, string(ev.Type), ev.OrgID, ev)
}

func (b *Bus) publish(topic, id, kind, orgID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, data)
	msg.Metadata.Set("event_kind", kind)
	msg.Metadata.Set("org_id", orgID)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("发布事件失败: %w", err)
	}
	return nil
}

// SubscribeLifecycle 直接订阅生命周期事件，ctx 结束时通道关闭
func (b *Bus) SubscribeLifecycle(ctx context.Context) (<-chan *LifecycleEvent, error) {
	messages, err := b.pubsub.Subscribe(ctx, TopicLifecycle)
	if err != nil {
		return nil, fmt.Errorf("订阅生命周期事件失败: %w", err)
	}
	out := make(chan *LifecycleEvent, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev LifecycleEvent
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close 关闭路由器与 Pub/Sub
func (b *Bus) Close() error {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()

	if started {
		if err := b.router.Close(); err != nil {
			log.Printf("⚠️ [事件总线] 关闭路由器失败: %v", err)
		}
	}
	if err := b.pubsub.Close(); err != nil {
		return fmt.Errorf("关闭 Pub/Sub 失败: %w", err)
	}
	return nil
}
