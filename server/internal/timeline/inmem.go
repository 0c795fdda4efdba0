package timeline

import (
	"context"
	"strings"
	"sync"

	"speech-coach/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]model.TurnRecord
	seq     map[string]int64
	keys    map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string][]model.TurnRecord),
		seq:     make(map[string]int64),
		keys:    make(map[string]map[string]int64),
	}
}

func dedupKey(rec *model.TurnRecord) string {
	if rec.TurnID == "" {
		return ""
	}
	return rec.TurnID + "/" + rec.Kind
}

// Append 追加记录到 timeline，并为该 session 分配单调递增 seq。
// 相同 TurnID+Kind 直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, rec *model.TurnRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(rec)
	if key != "" {
		if seq, ok := s.keys[sessionID][key]; ok {
			return seq, nil
		}
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	stored := copyRecord(*rec)
	stored.Seq = seq
	stored.SessionID = sessionID
	s.records[sessionID] = append(s.records[sessionID], stored)

	if key != "" {
		if s.keys[sessionID] == nil {
			s.keys[sessionID] = make(map[string]int64)
		}
		s.keys[sessionID][key] = seq
	}
	return seq, nil
}

// List 返回某个 session 的全部记录（按 seq 顺序），切片与指针字段都是副本。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[sessionID]
	out := make([]model.TurnRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

// RecentResponses 从 turn_event 记录里倒序取最近 n 次非空回答。
func (s *InMemoryStore) RecentResponses(_ context.Context, sessionID string, n int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[sessionID]
	out := make([]string, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		rec := records[i]
		if rec.Kind != model.RecordTurnEvent || rec.Event == nil {
			continue
		}
		if strings.TrimSpace(rec.Event.Response) == "" {
			continue
		}
		out = append(out, rec.Event.Response)
	}
	// 倒序收集，翻转成从旧到新
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Drop 删除会话的全部记录（会话结束后由调用方决定是否清理）。
func (s *InMemoryStore) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, sessionID)
	delete(s.seq, sessionID)
	delete(s.keys, sessionID)
}

func copyRecord(rec model.TurnRecord) model.TurnRecord {
	if rec.Event != nil {
		evt := *rec.Event
		if evt.Correct != nil {
			c := *evt.Correct
			evt.Correct = &c
		}
		if evt.Signals != nil {
			sig := *evt.Signals
			evt.Signals = &sig
		}
		rec.Event = &evt
	}
	rec.Result = rec.Result.Clone()
	return rec
}
