// Package conversation 为每个打开的会话组装时间线、变更队列、实时通道与发送流水线。
package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/metrics"
	"github.com/zhouzirui/circlechat/internal/model/chat"
	"github.com/zhouzirui/circlechat/internal/service/live"
	"github.com/zhouzirui/circlechat/internal/service/mutation"
	"github.com/zhouzirui/circlechat/internal/service/send"
	"github.com/zhouzirui/circlechat/internal/service/timeline"
)

// Backend 汇总控制器对服务端的全部依赖。
type Backend interface {
	live.Discoverer
	send.Poster
	GetMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	MarkRead(ctx context.Context, conversationID string, index int64) error
	ReportAbuse(ctx context.Context, messageID string, reason chat.AbuseReason) error
}

// FailedStore 为发送失败消息的持久化存储。
type FailedStore interface {
	send.FailedStore
	ListByConversation(ctx context.Context, conversationID string) ([]chat.FailedMessage, error)
}

// Deps 由同一 Registry 打开的所有控制器共享。
type Deps struct {
	Backend  Backend
	Store    FailedStore
	Notifier send.Notifier
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Clock    clockwork.Clock
	// UserID 作为本地消息作者，并写入订阅帧。
	UserID string
	// Live 为各会话通道的配置模板。
	Live live.Options
}

// Controller 是单个打开会话的对外接口。
type Controller struct {
	id       string
	openedAt time.Time
	deps     Deps
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queue      *mutation.Queue
	timeline   *timeline.Timeline
	channel    *live.Channel
	pipeline   *send.Pipeline
	unregister func()

	visible atomic.Bool

	// readMu 串行化 MarkRead 调用；sentRead 为服务端最后确认的序号。
	readMu   sync.Mutex
	sentRead int64

	// 仅由队列协程访问。
	published     bool
	lastPublished []chat.Message
	failedIDs     map[string]struct{}

	subsMu  sync.Mutex
	subs    map[int]chan []chat.Message
	nextSub int
	latest  []chat.Message
	hasLast bool

	closeOnce sync.Once
}

// Open 启动控制器：先拉取历史，再连接实时通道。
func Open(conversationID string, deps Deps) (*Controller, error) {
	if conversationID == "" {
		return nil, chat.ErrConversationRequired
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("conversation").With(zap.String("conversation_id", conversationID))

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:        conversationID,
		openedAt:  deps.Clock.Now().UTC(),
		deps:      deps,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		timeline:  timeline.New(conversationID),
		failedIDs: make(map[string]struct{}),
		subs:      make(map[int]chan []chat.Message),
		sentRead:  -1,
	}

	var depth mutation.DepthObserver
	if g := deps.Metrics.QueueGauge(conversationID); g != nil {
		depth = g
	}
	c.queue = mutation.New(conversationID,
		mutation.WithLogger(logger),
		mutation.WithDepthObserver(depth),
	)

	c.pipeline = send.New(send.Config{
		ConversationID: conversationID,
		Author:         deps.UserID,
		Queue:          c.queue,
		Timeline:       c.timeline,
		Poster:         deps.Backend,
		Store:          deps.Store,
		Notifier:       send.NotifierFunc(c.sendFailed),
		OnChange:       c.changed,
		Clock:          deps.Clock,
		Logger:         logger,
		Metrics:        deps.Metrics,
	})

	opts := deps.Live
	opts.UserID = deps.UserID
	opts.Logger = logger
	opts.Metrics = deps.Metrics.Live(conversationID)
	c.channel = live.NewChannel(conversationID, deps.Backend, opts)
	c.unregister = c.channel.Register(c)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.load(true)
	}()
	c.channel.Connect()

	logger.Info("conversation opened")
	return c, nil
}

func (c *Controller) ID() string { return c.id }

// Conversation 返回用于列表展示的会话信息。
func (c *Controller) Conversation() chat.Conversation {
	return chat.Conversation{ID: c.id, OpenedAt: c.openedAt, Visible: c.visible.Load()}
}

// ChannelState 返回实时通道状态。
func (c *Controller) ChannelState() live.State { return c.channel.State() }

// Close 关闭通道与队列。进行中的发送自行完成，其结果被丢弃。
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.unregister()
		c.channel.Teardown()
		c.queue.Close()
		c.wg.Wait()

		c.subsMu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subsMu.Unlock()
		c.logger.Info("conversation closed")
	})
}

// ObserveTimeline 推送有序快照，订阅时重放最新快照，读取慢的订阅者只会看到最新的一份。
// 快照在订阅者间共享，不得修改。调用 cancel 或 Close 后通道关闭。
func (c *Controller) ObserveTimeline() (<-chan []chat.Message, func()) {
	ch := make(chan []chat.Message, 1)

	c.subsMu.Lock()
	if c.ctx.Err() != nil {
		c.subsMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	if c.hasLast {
		ch <- c.latest
	}
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
}

// Snapshot 返回当前有序时间线。
func (c *Controller) Snapshot(ctx context.Context) ([]chat.Message, error) {
	var out []chat.Message
	if err := c.queue.Do(ctx, func() { out = c.timeline.SortedSnapshot() }); err != nil {
		return nil, c.queueErr(err)
	}
	return out, nil
}

func (c *Controller) Send(ctx context.Context, d send.Draft) (chat.Message, error) {
	return c.pipeline.Send(ctx, d)
}

func (c *Controller) Retry(ctx context.Context, messageID string) (chat.Message, error) {
	return c.pipeline.Retry(ctx, messageID)
}

func (c *Controller) Delete(ctx context.Context, messageID string) error {
	return c.pipeline.Delete(ctx, messageID)
}

// SetVisible 记录会话是否可见，变为可见时全部标记已读。
func (c *Controller) SetVisible(ctx context.Context, visible bool) error {
	if !visible {
		c.visible.Store(false)
		return nil
	}
	return c.MarkVisibleAndRead(ctx)
}

// MarkVisibleAndRead 将会话置为可见，并把已读位置推进到当前最大序号。
// 仅当服务端已读位置落后于本地时才发起请求。
func (c *Controller) MarkVisibleAndRead(ctx context.Context) error {
	c.visible.Store(true)
	if err := ctx.Err(); err != nil {
		return err
	}

	// 本地已读位置不可回退，请求必须随后发出。
	bg := context.WithoutCancel(ctx)
	var index int64
	if err := c.queue.Do(bg, func() {
		c.advanceRead()
		index = c.timeline.LastReadIndex()
	}); err != nil {
		return c.queueErr(err)
	}
	return c.markRead(bg, index)
}

// ReportAbuse 举报消息。
func (c *Controller) ReportAbuse(ctx context.Context, messageID string, reason chat.AbuseReason) error {
	if !reason.Valid() {
		return chat.ErrInvalidReason
	}
	if messageID == "" {
		return chat.ErrMessageNotFound
	}
	return c.deps.Backend.ReportAbuse(ctx, messageID, reason)
}

// OnMessageReceived 实现 live.Observer。
func (c *Controller) OnMessageReceived(m chat.Message) {
	c.queue.Submit(func() {
		if c.timeline.Merge([]chat.Message{m}) {
			c.changed()
		}
	})
}

// OnMessageDeleted 实现 live.Observer。
func (c *Controller) OnMessageDeleted(m chat.Message) {
	c.queue.Submit(func() {
		if c.timeline.Remove(m.ID) {
			c.changed()
		}
	})
}

// OnConnected 重新同步历史，断线期间错过的事件由此补齐。
func (c *Controller) OnConnected() {
	c.logger.Info("live channel connected, resyncing")
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.load(false)
	}()
}

func (c *Controller) OnDisconnected(err error) {
	c.logger.Info("live channel disconnected", zap.Error(err))
}

// load 拉取历史消息，首次加载时同时读取持久化的失败消息。
// 拉取失败只记录日志，下次连接时重新同步。
func (c *Controller) load(initial bool) {
	var stored []chat.FailedMessage
	if initial && c.deps.Store != nil {
		var err error
		stored, err = c.deps.Store.ListByConversation(c.ctx, c.id)
		if err != nil {
			c.logger.Warn("failed to load failed messages", zap.Error(err))
		}
	}

	fetched, err := c.deps.Backend.GetMessages(c.ctx, c.id)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("history fetch failed", zap.Bool("initial", initial), zap.Error(err))
		if len(stored) == 0 {
			return
		}
	}

	c.queue.Submit(func() {
		switch {
		case err != nil:
			// 下面只合并已存储的失败消息。
		case c.timeline.LoadState() == timeline.Loading:
			// 尚未合并任何内容，Seed 不会丢失数据。
			c.timeline.Seed(fetched)
		default:
			c.timeline.Merge(fetched)
		}

		var restore []chat.Message
		for _, rec := range stored {
			c.failedIDs[rec.MessageID] = struct{}{}
			if _, ok := c.timeline.Get(rec.MessageID); ok {
				continue
			}
			restore = append(restore, rec.Message())
		}
		c.timeline.Merge(restore)
		c.changed()
	})
}

// changed 在每次时间线修改后于队列操作内执行。
func (c *Controller) changed() {
	c.cleanupStaleFailures()

	if c.visible.Load() {
		if index, ok := c.advanceRead(); ok {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				if err := c.markRead(c.ctx, index); err != nil && c.ctx.Err() == nil {
					c.logger.Warn("auto mark-read failed", zap.Int64("index", index), zap.Error(err))
				}
			}()
		}
	}

	snapshot := c.timeline.SortedSnapshot()
	if c.published && chat.EqualSlices(snapshot, c.lastPublished) {
		return
	}
	c.published = true
	c.lastPublished = snapshot
	c.publish(snapshot)
}

// cleanupStaleFailures 删除已送达消息的失败记录。
func (c *Controller) cleanupStaleFailures() {
	if len(c.failedIDs) == 0 {
		return
	}
	var stale []string
	for id := range c.failedIDs {
		if m, ok := c.timeline.Get(id); ok && m.Delivered() {
			stale = append(stale, id)
			delete(c.failedIDs, id)
		}
	}
	if len(stale) == 0 || c.deps.Store == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.deps.Store.Remove(context.WithoutCancel(c.ctx), stale...); err != nil {
			c.logger.Warn("failed to drop stale failed messages", zap.Strings("message_ids", stale), zap.Error(err))
		}
	}()
}

// advanceRead 须在队列操作内调用。
func (c *Controller) advanceRead() (int64, bool) {
	index := c.timeline.HighestIndexInUse()
	if !c.timeline.SetLastReadIndex(index) {
		return 0, false
	}
	return index, true
}

// markRead 在服务端已读位置落后于 index 时上报。调用串行执行，服务端位置不会回退。
func (c *Controller) markRead(ctx context.Context, index int64) error {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	if index <= c.sentRead {
		return nil
	}
	c.deps.Metrics.IncMarkReads()
	if err := c.deps.Backend.MarkRead(ctx, c.id, index); err != nil {
		return err
	}
	c.sentRead = index
	return nil
}

func (c *Controller) publish(snapshot []chat.Message) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.latest = snapshot
	c.hasLast = true
	for _, ch := range c.subs {
		select {
		case ch <- snapshot:
		default:
			// 用更新的快照替换未读取的旧快照。
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

func (c *Controller) sendFailed(m chat.Message, err error) {
	c.queue.Submit(func() { c.failedIDs[m.ID] = struct{}{} })
	if c.deps.Notifier != nil {
		c.deps.Notifier.NotifySendFailed(m, err)
	}
}

func (c *Controller) queueErr(err error) error {
	if errors.Is(err, mutation.ErrQueueClosed) {
		return chat.ErrConversationNotOpen
	}
	return err
}
