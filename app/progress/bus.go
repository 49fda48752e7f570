package progress

import (
	"sync"
	"time"

	"mediaflow/app/logger"
)

// EventType 事件类型
type EventType string

const (
	EventConnected     EventType = "connected"
	EventProgress      EventType = "progress"
	EventStageComplete EventType = "stage-complete"
	EventStageError    EventType = "stage-error"
)

// Event 推送给订阅者的事件
type Event struct {
	Type      EventType      `json:"type"`
	SubjectID string         `json:"subjectId"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DefaultBuffer 每个订阅者默认缓冲的事件数
const DefaultBuffer = 64

// Options 总线参数
type Options struct {
	Buffer int
	Logger *logger.Logger
}

// Bus 按主题分发进度事件，不缓存历史事件
type Bus struct {
	mu       sync.Mutex
	subjects map[string]map[uint64]*Subscription
	nextID   uint64
	buffer   int
	closed   bool
	log      *logger.Logger
}

// New 创建事件总线
func New(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Bus{
		subjects: make(map[string]map[uint64]*Subscription),
		buffer:   opts.Buffer,
		log:      opts.Logger,
	}
}

// Subscription 订阅句柄
type Subscription struct {
	id      uint64
	subject string
	ch      chan Event
	bus     *Bus
	once    sync.Once
}

// Events 事件通道，句柄关闭后通道关闭
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Subject 订阅的主题
func (s *Subscription) Subject() string {
	return s.subject
}

// Close 注销订阅，可重复调用
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.removeLocked(s)
}

// Subscribe 订阅主题，新句柄立即收到 connected 事件
func (b *Bus) Subscribe(subject string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		subject: subject,
		ch:      make(chan Event, b.buffer),
		bus:     b,
	}

	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}

	subs := b.subjects[subject]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		b.subjects[subject] = subs
	}
	subs[sub.id] = sub

	sub.ch <- Event{Type: EventConnected, SubjectID: subject, Timestamp: time.Now()}
	b.log.Debugf("新增订阅: 主题=%s, 当前订阅数=%d", subject, len(subs))
	return sub
}

// Publish 向主题的全部订阅者发送事件，没有订阅者时直接丢弃
func (b *Bus) Publish(subject string, eventType EventType, payload map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subjects[subject]
	if len(subs) == 0 {
		return
	}

	ev := Event{Type: eventType, SubjectID: subject, Timestamp: time.Now(), Payload: payload}
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			// 缓冲已满视为写入失败，只移除该订阅者
			b.log.Warnf("订阅者消费过慢，已断开: 主题=%s, 订阅ID=%d", subject, sub.id)
			b.removeLocked(sub)
		}
	}
}

// removeLocked 移除订阅并关闭通道，调用方需持有锁
func (b *Bus) removeLocked(sub *Subscription) {
	if subs, ok := b.subjects[sub.subject]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subjects, sub.subject)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// SubscriberCount 主题当前的订阅者数量
func (b *Bus) SubscriberCount(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subjects[subject])
}

// Close 关闭全部订阅
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subjects {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subjects = make(map[string]map[uint64]*Subscription)
}
