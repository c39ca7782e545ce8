// Package mutation 把时间线的所有修改串行到单个协程上执行。
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueClosed 在 Close 之后由 Do 返回。
var ErrQueueClosed = errors.New("mutation queue closed")

// Op 是一个工作单元，不得阻塞在网络 I/O 上。
type Op func()

// DepthObserver 在每次变化后接收排队中的操作数。
type DepthObserver interface {
	Set(float64)
}

type item struct {
	seq uint64
	op  Op
}

// Queue 严格按提交顺序逐个执行操作。积压队列无上限，
// 操作内部再提交后续操作也不会阻塞。
type Queue struct {
	name   string
	logger *zap.Logger
	depth  DepthObserver

	mu      sync.Mutex
	pending []item
	seq     uint64
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// Option 定制 Queue。
type Option func(*Queue)

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

func WithDepthObserver(d DepthObserver) Option {
	return func(q *Queue) { q.depth = d }
}

// New 启动队列协程。
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:   name,
		logger: zap.NewNop(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Submit 将 op 入队；队列关闭后返回 false 并丢弃 op。
func (q *Queue) Submit(op Op) bool {
	if op == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.seq++
	q.pending = append(q.pending, item{seq: q.seq, op: op})
	q.reportDepth(len(q.pending))
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do 提交 op 并等待其执行完毕。不得在同一队列的操作内部调用。
func (q *Queue) Do(ctx context.Context, op Op) error {
	finished := make(chan struct{})
	if !q.Submit(func() {
		defer close(finished)
		op()
	}) {
		return ErrQueueClosed
	}
	select {
	case <-finished:
		return nil
	case <-q.done:
		// Close 会排空积压，此时 op 已执行。
		<-finished
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s queue: %w", q.name, ctx.Err())
	}
}

// Close 停止接收新操作，执行完已排队的操作后等待协程退出。可重复调用。
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

// Closed 报告是否已调用 Close。
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		next := q.pending[0]
		q.pending[0] = item{}
		q.pending = q.pending[1:]
		q.reportDepth(len(q.pending))
		q.mu.Unlock()

		q.exec(next)
	}
}

func (q *Queue) exec(it item) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("mutation op panicked",
				zap.String("queue", q.name),
				zap.Uint64("seq", it.seq),
				zap.Any("panic", r))
		}
	}()
	if ce := q.logger.Check(zap.DebugLevel, "run mutation op"); ce != nil {
		ce.Write(zap.String("queue", q.name), zap.Uint64("seq", it.seq))
	}
	it.op()
}

// reportDepth 须持有 mu 调用，保证指标更新与队列顺序一致。
func (q *Queue) reportDepth(n int) {
	if q.depth != nil {
		q.depth.Set(float64(n))
	}
}
