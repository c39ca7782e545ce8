// Package timeline 维护单个会话中去重且有序的消息集合。
//
// Timeline 不是并发安全的，持有者只在变更队列的操作内修改它。
package timeline

import (
	"slices"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

// LoadState 表示历史消息是否已加载。
type LoadState int

const (
	Loading LoadState = iota
	Ready
)

func (s LoadState) String() string {
	if s == Ready {
		return "ready"
	}
	return "loading"
}

// Timeline 以消息 ID 为键，按 (CreatedAt, ID) 排序。
type Timeline struct {
	conversationID string
	entries        map[string]chat.Message
	sorted         []chat.Message
	loadState      LoadState
	lastReadIndex  int64
}

// New 返回处于 Loading 状态的空时间线。
func New(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		entries:        make(map[string]chat.Message),
		lastReadIndex:  -1,
	}
}

func (t *Timeline) ConversationID() string { return t.conversationID }
func (t *Timeline) LoadState() LoadState   { return t.loadState }
func (t *Timeline) Len() int               { return len(t.entries) }
func (t *Timeline) LastReadIndex() int64   { return t.lastReadIndex }

// Seed 替换全部条目并置为 Ready。
func (t *Timeline) Seed(messages []chat.Message) {
	t.entries = make(map[string]chat.Message, len(messages))
	for _, m := range messages {
		if t.accepts(m) {
			t.entries[m.ID] = m.Clone()
		}
	}
	t.loadState = Ready
	t.resort()
}

// Merge 插入消息或替换同 ID 的条目，返回是否有变化。重复合并相同的值不产生变化。
func (t *Timeline) Merge(messages []chat.Message) bool {
	changed := false
	for _, m := range messages {
		if !t.accepts(m) {
			continue
		}
		if existing, ok := t.entries[m.ID]; ok && existing.Equal(m) {
			continue
		}
		t.entries[m.ID] = m.Clone()
		changed = true
	}
	if t.loadState == Loading {
		t.loadState = Ready
		changed = true
	}
	if changed {
		t.resort()
	}
	return changed
}

// Remove 删除指定 ID 的条目，返回条目是否存在。
func (t *Timeline) Remove(id string) bool {
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	t.resort()
	return true
}

// Get 返回指定 ID 的条目。
func (t *Timeline) Get(id string) (chat.Message, bool) {
	m, ok := t.entries[id]
	if !ok {
		return chat.Message{}, false
	}
	return m.Clone(), true
}

// SortedSnapshot 按规范顺序返回条目副本，不改变任何状态，可重复调用。
func (t *Timeline) SortedSnapshot() []chat.Message {
	out := make([]chat.Message, len(t.sorted))
	for i, m := range t.sorted {
		out[i] = m.Clone()
	}
	return out
}

// Local 返回尚未被服务端确认的条目。
func (t *Timeline) Local() []chat.Message {
	var out []chat.Message
	for _, m := range t.sorted {
		if !m.Delivered() {
			out = append(out, m.Clone())
		}
	}
	return out
}

// HighestIndexInUse 为已知最大服务端序号加上待发送消息数，
// 服务端确认后会依次为这些消息编号。空时间线为 -1。
func (t *Timeline) HighestIndexInUse() int64 {
	maxKnown := int64(-1)
	var pending int64
	for _, m := range t.entries {
		if idx, ok := m.Index(); ok && idx > maxKnown {
			maxKnown = idx
		}
		if m.Pending() {
			pending++
		}
	}
	return maxKnown + pending
}

// SetLastReadIndex 推进已读位置，较小的值被忽略。
func (t *Timeline) SetLastReadIndex(index int64) bool {
	if index <= t.lastReadIndex {
		return false
	}
	t.lastReadIndex = index
	return true
}

// Unread 报告已读位置之后是否还有消息。
func (t *Timeline) Unread() bool {
	return t.HighestIndexInUse() > t.lastReadIndex
}

func (t *Timeline) accepts(m chat.Message) bool {
	if m.ID == "" {
		return false
	}
	return m.ConversationID == "" || t.conversationID == "" || m.ConversationID == t.conversationID
}

func (t *Timeline) resort() {
	sorted := make([]chat.Message, 0, len(t.entries))
	for _, m := range t.entries {
		sorted = append(sorted, m)
	}
	slices.SortFunc(sorted, chat.Compare)
	t.sorted = sorted
}
