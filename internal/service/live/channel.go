// Package live 维持单个会话的推送通道，断线后按退避策略重连，并将收到的事件分发给观察者。
package live

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/metrics"
	"github.com/zhouzirui/circlechat/internal/model/chat"
)

const (
	DefaultInitialDelay     = 200 * time.Millisecond
	DefaultMaxDelay         = 5 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// State 是通道的连接状态，只由 Channel 自己修改。
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Discoverer 查询会话实时通道的地址。
type Discoverer interface {
	FindLiveEndpoint(ctx context.Context, conversationID string) (chat.Endpoint, error)
}

// Observer 接收通道事件。回调在通道的读协程上执行，不得阻塞。
type Observer interface {
	OnMessageReceived(chat.Message)
	OnMessageDeleted(chat.Message)
	OnConnected()
	OnDisconnected(error)
}

// Options 通道配置。
type Options struct {
	Scheme           string
	Path             string
	ClientID         string
	UserID           string
	Header           http.Header
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *metrics.Live
}

func (o Options) withDefaults() Options {
	if o.Scheme == "" {
		o.Scheme = "wss"
	}
	if o.Path == "" {
		o.Path = "/comments"
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Channel 管理单个会话的推送连接。
type Channel struct {
	conversationID string
	discoverer     Discoverer
	opts           Options
	logger         *zap.Logger
	backoff        *Backoff
	dialer         *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	gen       uint64
	conn      *websocket.Conn
	timer     clockwork.Timer
	observers map[uint64]Observer
	nextObs   uint64
	closed    bool
}

// NewChannel 创建处于 Disconnected 状态的通道，Connect 之前不会发起任何网络请求。
func NewChannel(conversationID string, discoverer Discoverer, opts Options) *Channel {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		conversationID: conversationID,
		discoverer:     discoverer,
		opts:           opts,
		logger:         opts.Logger.With(zap.String("conversation", conversationID)),
		backoff:        NewBackoff(opts.InitialDelay, opts.MaxDelay),
		dialer:         &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		ctx:            ctx,
		cancel:         cancel,
		observers:      make(map[uint64]Observer),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryDelay 返回下一次重连将要等待的时间，成功连接后回到初始值。
func (c *Channel) RetryDelay() time.Duration {
	return c.backoff.Current()
}

// Register 添加观察者，返回的函数用于注销。最后一个观察者注销后连接关闭。
func (c *Channel) Register(o Observer) (unregister func()) {
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = o
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			idle := len(c.observers) == 0
			var conn *websocket.Conn
			if idle {
				conn = c.suspendLocked()
			}
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
		})
	}
}

// Connect 从 Disconnected 开始一次连接尝试；已在连接中或已连接时忽略。
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || len(c.observers) == 0 || c.state != Disconnected {
		return
	}
	c.stopTimerLocked()
	c.startAttemptLocked()
}

// Teardown 取消待执行的重连、关闭连接并等待后台协程退出，之后通道不可再用。
func (c *Channel) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.suspendLocked()
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	c.opts.Metrics.Forget()
}

// suspendLocked 使当前尝试失效并回到 Disconnected，返回需要关闭的连接。
func (c *Channel) suspendLocked() *websocket.Conn {
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.setStateLocked(Disconnected)
	return conn
}

func (c *Channel) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	if c.timer.Stop() {
		c.wg.Done()
	}
	c.timer = nil
}

func (c *Channel) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.opts.Metrics.State(int(s))
}

func (c *Channel) startAttemptLocked() {
	c.gen++
	gen := c.gen
	c.setStateLocked(Connecting)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.attempt(gen)
	}()
}

func (c *Channel) currentLocked(gen uint64) bool {
	return !c.closed && c.gen == gen
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(gen)
}

// scheduleRetry 按退避时间安排下一次尝试。keepConnecting 为 true 时状态保持 Connecting。
func (c *Channel) scheduleRetry(gen uint64, keepConnecting bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.currentLocked(gen) || len(c.observers) == 0 {
		return
	}
	if !keepConnecting {
		c.setStateLocked(Disconnected)
	}
	delay := c.backoff.Next()
	c.logger.Debug("live channel reconnect scheduled", zap.Duration("delay", delay))

	c.wg.Add(1)
	c.timer = c.opts.Clock.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(gen) {
			return
		}
		c.timer = nil
		if len(c.observers) == 0 {
			c.setStateLocked(Disconnected)
			return
		}
		c.startAttemptLocked()
	})
}

func (c *Channel) attempt(gen uint64) {
	c.opts.Metrics.Attempt()

	endpoint, err := c.discoverer.FindLiveEndpoint(c.ctx, c.conversationID)
	if err != nil {
		if !c.current(gen) {
			return
		}
		c.opts.Metrics.DiscoveryFailed()
		c.logger.Warn("live endpoint discovery failed", zap.Error(err))
		c.scheduleRetry(gen, true)
		return
	}

	target := endpointURL(c.opts.Scheme, c.opts.Path, endpoint)
	conn, _, err := c.dialer.DialContext(c.ctx, target, c.opts.Header)
	if err != nil {
		if !c.current(gen) {
			return
		}
		c.logger.Warn("live channel dial failed", zap.String("url", target), zap.Error(err))
		c.scheduleRetry(gen, false)
		return
	}

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	// 设置连接选项
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})

	frame := EncodeSubscribe(Subscribe{
		ClientID:       c.opts.ClientID,
		RequestID:      uuid.NewString(),
		ConversationID: c.conversationID,
		UserID:         c.opts.UserID,
		Version:        ProtocolVersion,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.lost(gen, conn, &chat.TransportError{Op: "subscribe", Err: err})
		return
	}

	pingCtx, stopPing := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(pingCtx, conn)
	}()

	err = c.readLoop(gen, conn)
	stopPing()
	c.lost(gen, conn, err)
}

// readLoop 读取入站帧直到连接出错。无法解析的帧被丢弃，连接保持。
func (c *Channel) readLoop(gen uint64, conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return &chat.TransportError{Op: "read", Err: err}
		}
		if kind != websocket.BinaryMessage {
			c.drop(&chat.ProtocolError{Reason: "unexpected text frame"})
			continue
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			c.drop(err)
			continue
		}

		switch {
		case frame.Ack != nil:
			if !frame.Ack.Ready() {
				return &chat.TransportError{Op: "subscribe", Err: fmt.Errorf("server replied with status %d", frame.Ack.Status)}
			}
			c.ready(gen)
		case frame.Event != nil:
			msg := frame.Event.Message()
			if msg.ConversationID == "" {
				msg.ConversationID = c.conversationID
			}
			for _, o := range c.snapshotObservers(gen) {
				if frame.Event.Deleted {
					o.OnMessageDeleted(msg)
				} else {
					o.OnMessageReceived(msg)
				}
			}
		}
	}
}

func (c *Channel) ready(gen uint64) {
	c.mu.Lock()
	if !c.currentLocked(gen) || c.state == Connected {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(Connected)
	c.backoff.Reset()
	observers := c.observerListLocked()
	c.mu.Unlock()

	c.opts.Metrics.Connected()
	c.logger.Info("live channel connected")
	for _, o := range observers {
		o.OnConnected()
	}
}

// lost 处理连接断开：通知观察者（仅当之前已连接）并安排重连。
func (c *Channel) lost(gen uint64, conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if !c.currentLocked(gen) {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == Connected
	c.conn = nil
	c.setStateLocked(Disconnected)
	observers := c.observerListLocked()
	c.mu.Unlock()

	if wasConnected {
		c.opts.Metrics.Disconnected()
		c.logger.Warn("live channel disconnected", zap.Error(cause))
		for _, o := range observers {
			o.OnDisconnected(cause)
		}
	} else {
		c.logger.Warn("live channel closed before ready", zap.Error(cause))
	}
	c.scheduleRetry(gen, false)
}

func (c *Channel) drop(err error) {
	c.opts.Metrics.DroppedFrame()
	var perr *chat.ProtocolError
	if !errors.As(err, &perr) {
		err = &chat.ProtocolError{Reason: "undecodable frame", Err: err}
	}
	c.logger.Warn("dropping live frame", zap.Error(err))
}

func (c *Channel) snapshotObservers(gen uint64) []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.currentLocked(gen) {
		return nil
	}
	return c.observerListLocked()
}

func (c *Channel) observerListLocked() []Observer {
	out := make([]Observer, 0, len(c.observers))
	for id := uint64(1); id <= c.nextObs; id++ {
		if o, ok := c.observers[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// pingLoop 定期发送 ping 以维持连接。
func (c *Channel) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func endpointURL(scheme, path string, ep chat.Endpoint) string {
	u := url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port)),
		Path:   path,
	}
	return u.String()
}
