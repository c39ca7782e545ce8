package conversation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

// FailureEvent 是推送给界面的发送失败通知。
type FailureEvent struct {
	Message chat.Message `json:"message"`
	Error   string       `json:"error"`
}

// Broker 把发送失败通知分发给订阅了对应会话的 SSE 连接，实现 send.Notifier。
type Broker struct {
	logger *zap.Logger

	mu   sync.Mutex
	next int
	subs map[string]map[int]chan FailureEvent
}

// NewBroker 创建通知分发器
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		logger: logger.Named("notifier"),
		subs:   make(map[string]map[int]chan FailureEvent),
	}
}

// NotifySendFailed 记录日志并通知订阅者；订阅者处理不过来时丢弃通知，不阻塞发送流程。
func (b *Broker) NotifySendFailed(m chat.Message, err error) {
	event := FailureEvent{Message: m}
	if err != nil {
		event.Error = err.Error()
	}
	b.logger.Warn("message send failed",
		zap.String("conversation_id", m.ConversationID),
		zap.String("message_id", m.ID),
		zap.Error(err),
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[m.ConversationID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropping failure event for slow subscriber", zap.String("message_id", m.ID))
		}
	}
}

// Subscribe 订阅某个会话的失败通知，返回的函数用于取消订阅。
func (b *Broker) Subscribe(conversationID string) (<-chan FailureEvent, func()) {
	ch := make(chan FailureEvent, 8)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[conversationID] == nil {
		b.subs[conversationID] = make(map[int]chan FailureEvent)
	}
	b.subs[conversationID][id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subs[conversationID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, conversationID)
			}
		}
	}
}
