package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"speech-coach/server/internal/model"
)

// TestInMemoryStoreReturnsCopies 验证存取都是副本。
// 场景：修改 Get 返回的会话，不应影响存储中的状态。
func TestInMemoryStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	sess := &model.Session{SessionID: "s1", State: model.NewState(time.Unix(0, 0))}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	sess.State.EngagementLevel = 1

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.State.EngagementLevel != 7 {
		t.Fatalf("expected stored engagement 7, got %v", got.State.EngagementLevel)
	}

	got.State.DysregulationLevel = 9
	again, _ := store.Get(ctx, "s1")
	if again.State.DysregulationLevel != 0 {
		t.Fatalf("expected internal state unchanged, got %v", again.State.DysregulationLevel)
	}
}

// TestInMemoryStoreNotFound 验证不存在的会话返回 ErrNotFound。
func TestInMemoryStoreNotFound(t *testing.T) {
	store := NewInMemoryStore()
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on delete, got %v", err)
	}
}

// TestInMemoryStoreRejectsEmptyID 验证没有 SessionID 的会话不能保存。
func TestInMemoryStoreRejectsEmptyID(t *testing.T) {
	store := NewInMemoryStore()
	if err := store.Save(context.Background(), &model.Session{}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}
