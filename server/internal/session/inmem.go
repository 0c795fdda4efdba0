package session

import (
	"context"
	"errors"
	"sync"

	"speech-coach/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// InMemoryStore 是一个基于内存的 Session 存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*model.Session
}

func NewInMemoryStore() *InMemoryStore {
	// 会话历史的持久化不在本服务职责内，重启即丢数据。
	return &InMemoryStore{data: make(map[string]*model.Session)}
}

// Get 根据 SessionID 获取会话副本，调用方修改不会影响存储。
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Save 保存或更新会话。
func (s *InMemoryStore) Save(_ context.Context, sess *model.Session) error {
	if sess == nil || sess.SessionID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[sess.SessionID] = sess.Clone()
	return nil
}

// Delete 删除会话；不存在时返回 ErrNotFound。
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}
