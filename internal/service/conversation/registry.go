package conversation

import (
	"slices"
	"strings"
	"sync"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

// Registry 保存当前打开会话的控制器。
type Registry struct {
	deps Deps

	mu   sync.RWMutex
	open map[string]*Controller
}

// NewRegistry 创建空注册表，各控制器共享 deps。
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps: deps,
		open: make(map[string]*Controller),
	}
}

// Open 返回会话的控制器，必要时打开会话。
func (r *Registry) Open(conversationID string) (*Controller, error) {
	if conversationID == "" {
		return nil, chat.ErrConversationRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.open[conversationID]; ok {
		return c, nil
	}

	c, err := Open(conversationID, r.deps)
	if err != nil {
		return nil, err
	}
	r.open[conversationID] = c
	r.deps.Metrics.SetOpenConversations(len(r.open))
	return c, nil
}

// Get 获取已打开的控制器。
func (r *Registry) Get(conversationID string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.open[conversationID]
	if !ok {
		return nil, chat.ErrConversationNotOpen
	}
	return c, nil
}

// Close 关闭并移除一个会话。
func (r *Registry) Close(conversationID string) error {
	r.mu.Lock()
	c, ok := r.open[conversationID]
	if ok {
		delete(r.open, conversationID)
		r.deps.Metrics.SetOpenConversations(len(r.open))
	}
	r.mu.Unlock()

	if !ok {
		return chat.ErrConversationNotOpen
	}
	c.Close()
	return nil
}

// List 按 ID 顺序返回已打开的会话。
func (r *Registry) List() []chat.Conversation {
	r.mu.RLock()
	out := make([]chat.Conversation, 0, len(r.open))
	for _, c := range r.open {
		out = append(out, c.Conversation())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b chat.Conversation) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// CloseAll 关闭所有会话，用于退出时清理。
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]*Controller)
	r.deps.Metrics.SetOpenConversations(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range open {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
