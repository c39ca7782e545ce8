package failed

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/zhouzirui/circlechat/internal/model/chat"
)

// MemoryStore 在内存中保存失败消息，upsert 规则与 SQLiteStore 一致，
// 用于测试或关闭持久化的场景。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]chat.FailedMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]chat.FailedMessage)}
}

func (s *MemoryStore) Save(_ context.Context, rec chat.FailedMessage) error {
	if rec.MessageID == "" {
		return fmt.Errorf("save failed message: %w", chat.ErrMessageNotFound)
	}
	if rec.Attempts < 1 {
		rec.Attempts = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.MessageID]; ok {
		rec.FirstAttemptedAt = existing.FirstAttemptedAt
		rec.ConversationID = existing.ConversationID
		rec.Author = existing.Author
		rec.Attempts = existing.Attempts + 1
	}
	s.records[rec.MessageID] = rec
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (chat.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return chat.FailedMessage{}, chat.ErrMessageNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, conversationID string) ([]chat.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.FailedMessage
	for _, rec := range s.records {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b chat.FailedMessage) int {
		if c := a.FirstAttemptedAt.Compare(b.FirstAttemptedAt); c != 0 {
			return c
		}
		if a.MessageID < b.MessageID {
			return -1
		}
		if a.MessageID > b.MessageID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// RunMaintenance 对内存存储无操作。
func (s *MemoryStore) RunMaintenance(context.Context) error { return nil }
