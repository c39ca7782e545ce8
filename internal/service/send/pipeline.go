// Package send 驱动本地消息经历 Pending -> Delivered | Failed，失败消息需显式重试。
package send

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/metrics"
	"github.com/zhouzirui/circlechat/internal/model/chat"
	"github.com/zhouzirui/circlechat/internal/service/mutation"
	"github.com/zhouzirui/circlechat/internal/service/timeline"
)

// Poster 负责发送与删除的网络调用。
type Poster interface {
	PostMessage(ctx context.Context, m chat.Message) (chat.Receipt, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// FailedStore 持久化发送失败的消息，重启后仍可重试。
type FailedStore interface {
	Save(ctx context.Context, rec chat.FailedMessage) error
	Remove(ctx context.Context, ids ...string) error
	Get(ctx context.Context, id string) (chat.FailedMessage, error)
}

// Notifier 在每次发送以 Failed 结束时收到通知。
type Notifier interface {
	NotifySendFailed(m chat.Message, err error)
}

// NotifierFunc 将函数适配为 Notifier。
type NotifierFunc func(m chat.Message, err error)

func (f NotifierFunc) NotifySendFailed(m chat.Message, err error) { f(m, err) }

// Draft 为用户待发送的消息内容。
type Draft struct {
	Text          string
	AttachmentRef string
	AttachmentURL string
}

func (d Draft) empty() bool {
	return strings.TrimSpace(d.Text) == "" && d.AttachmentRef == ""
}

// Config 将 Pipeline 绑定到一个会话。Queue 与 Timeline 归会话控制器所有，
// 流水线只在队列操作内访问时间线。每次修改后 OnChange 在同一操作内执行。
type Config struct {
	ConversationID string
	Author         string
	Queue          *mutation.Queue
	Timeline       *timeline.Timeline
	Poster         Poster
	Store          FailedStore
	Notifier       Notifier
	OnChange       func()
	Clock          clockwork.Clock
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	NewID          func() string
}

// Pipeline 负责单个会话的消息发送、重试与删除。
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func() {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger.Named("send").With(zap.String("conversation_id", cfg.ConversationID)),
	}
}

// Send 先发布草稿的 Pending 副本再提交到服务端，返回最终的 Delivered 或 Failed 消息。
// 提交失败时同时返回 Failed 消息和错误。
func (p *Pipeline) Send(ctx context.Context, d Draft) (chat.Message, error) {
	if d.empty() {
		return chat.Message{}, chat.ErrEmptyMessage
	}

	m := chat.Message{
		ID:             p.cfg.NewID(),
		ConversationID: p.cfg.ConversationID,
		Author:         p.cfg.Author,
		CreatedAt:      p.cfg.Clock.Now().UTC(),
		Text:           d.Text,
		SendState:      chat.SendStatePending,
	}
	if d.AttachmentRef != "" {
		m.Attachment = &chat.Attachment{Kind: chat.AttachmentLocal, Ref: d.AttachmentRef, URL: d.AttachmentURL}
	}

	pending := m.Clone()
	if !p.cfg.Queue.Submit(func() {
		if p.cfg.Timeline.Merge([]chat.Message{pending}) {
			p.cfg.OnChange()
		}
	}) {
		return chat.Message{}, chat.ErrConversationNotOpen
	}
	p.cfg.Metrics.IncSends()
	return p.deliver(ctx, m, false)
}

// Retry 以原 ID 和原创建时间重新发送 Failed 消息。
func (p *Pipeline) Retry(ctx context.Context, messageID string) (chat.Message, error) {
	var (
		current chat.Message
		found   bool
		state   error
	)
	err := p.cfg.Queue.Do(ctx, func() {
		current, found = p.cfg.Timeline.Get(messageID)
		if found && !current.Failed() {
			state = chat.ErrNotFailed
		}
	})
	if err != nil {
		return chat.Message{}, p.queueErr(err)
	}
	if state != nil {
		return chat.Message{}, state
	}

	if !found {
		rec, err := p.cfg.Store.Get(ctx, messageID)
		if err != nil {
			return chat.Message{}, err
		}
		if rec.ConversationID != p.cfg.ConversationID {
			return chat.Message{}, chat.ErrMessageNotFound
		}
		current = rec.Message()
	}

	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}

	// 同一消息只有一次重试能完成 Failed -> Pending。
	// 一旦认领就必须进入 deliver，因此等待不受 ctx 取消影响。
	pending := current.AsPending()
	var claimed bool
	err = p.cfg.Queue.Do(context.WithoutCancel(ctx), func() {
		if cur, ok := p.cfg.Timeline.Get(messageID); ok && !cur.Failed() {
			return
		}
		claimed = true
		p.cfg.Timeline.Merge([]chat.Message{pending})
		p.cfg.OnChange()
	})
	if err != nil {
		return chat.Message{}, p.queueErr(err)
	}
	if !claimed {
		return chat.Message{}, chat.ErrNotFailed
	}

	p.cfg.Metrics.IncRetries()
	p.logger.Debug("retrying message", zap.String("message_id", messageID))
	return p.deliver(ctx, pending, true)
}

// Delete 先从时间线移除消息，再删除服务端记录。服务端删除失败时返回错误但不回滚，
// 若服务端仍保留该消息，下次重新同步会恢复它。
func (p *Pipeline) Delete(ctx context.Context, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		removed chat.Message
		found   bool
	)
	bg := context.WithoutCancel(ctx)
	// 本地移除不会撤销，服务端删除必须随后执行。
	err := p.cfg.Queue.Do(bg, func() {
		removed, found = p.cfg.Timeline.Get(messageID)
		if found && p.cfg.Timeline.Remove(messageID) {
			p.cfg.OnChange()
		}
	})
	if err != nil {
		return p.queueErr(err)
	}

	p.cfg.Metrics.IncDeletes()

	// 失败消息从未存入服务端，只需从本地持久化中移除。
	if !found || removed.Failed() {
		if _, getErr := p.cfg.Store.Get(bg, messageID); getErr != nil {
			if !found {
				return chat.ErrMessageNotFound
			}
			return nil
		}
		if err := p.cfg.Store.Remove(bg, messageID); err != nil {
			return fmt.Errorf("remove failed message %s: %w", messageID, err)
		}
		return nil
	}

	if err := p.cfg.Poster.DeleteMessage(bg, messageID); err != nil {
		p.logger.Warn("server delete failed",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (p *Pipeline) deliver(ctx context.Context, m chat.Message, retry bool) (chat.Message, error) {
	// 进行中的发送不随调用方或会话结束而取消，迟到的结果由已关闭的队列丢弃。
	bg := context.WithoutCancel(ctx)

	receipt, err := p.cfg.Poster.PostMessage(bg, m)
	if err == nil {
		delivered := m.AsDelivered(receipt.Index, receipt.CreatedAt)
		p.cfg.Queue.Submit(func() {
			// 发送途中被删除的消息保持删除。
			if _, ok := p.cfg.Timeline.Get(delivered.ID); !ok {
				return
			}
			if p.cfg.Timeline.Merge([]chat.Message{delivered}) {
				p.cfg.OnChange()
			}
		})
		if retry {
			if rmErr := p.cfg.Store.Remove(bg, m.ID); rmErr != nil {
				p.logger.Warn("failed to clear retried message", zap.String("message_id", m.ID), zap.Error(rmErr))
			}
		}
		p.logger.Debug("message delivered",
			zap.String("message_id", m.ID),
			zap.Int64("index", receipt.Index),
		)
		return delivered, nil
	}

	p.cfg.Metrics.IncSendFailures()
	failed := m.AsFailed()

	var keep bool
	qErr := p.cfg.Queue.Do(bg, func() {
		cur, ok := p.cfg.Timeline.Get(failed.ID)
		// 发送途中被删除，或已由实时事件确认。
		if !ok || cur.Delivered() {
			return
		}
		keep = true
		p.cfg.Timeline.Merge([]chat.Message{failed})
		p.cfg.OnChange()
	})
	if errors.Is(qErr, mutation.ErrQueueClosed) {
		// 会话已关闭，保留记录供下次打开时使用。
		keep = true
	}
	if !keep {
		return failed, err
	}

	rec := chat.NewFailedMessage(failed, err, p.cfg.Clock.Now().UTC())
	if saveErr := p.cfg.Store.Save(bg, rec); saveErr != nil {
		p.logger.Error("failed to persist failed message", zap.String("message_id", m.ID), zap.Error(saveErr))
	}
	p.logger.Warn("send failed",
		zap.String("message_id", m.ID),
		zap.Bool("retry", retry),
		zap.Error(err),
	)
	if p.cfg.Notifier != nil {
		p.cfg.Notifier.NotifySendFailed(failed, err)
	}
	return failed, err
}

func (p *Pipeline) queueErr(err error) error {
	if errors.Is(err, mutation.ErrQueueClosed) {
		return chat.ErrConversationNotOpen
	}
	return err
}
