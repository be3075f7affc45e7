package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/gossip/internal/model"
)

// MemoryAuthSessionRepo はプロセス内メモリを使用したセッションストレージ。
// ローカル開発とテストで使用する。
type MemoryAuthSessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.StoredSession
}

// NewMemoryAuthSessionRepo はMemoryAuthSessionRepoを生成する。
func NewMemoryAuthSessionRepo() *MemoryAuthSessionRepo {
	return &MemoryAuthSessionRepo{
		sessions: make(map[string]model.StoredSession),
	}
}

// FindByVisitID は指定ビジットのセッションのコピーを返す。
func (r *MemoryAuthSessionRepo) FindByVisitID(ctx context.Context, visitID string) (*model.StoredSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.sessions[visitID]
	if !ok {
		return nil, nil
	}
	return &stored, nil
}

// Save はセッションを保存する。
func (r *MemoryAuthSessionRepo) Save(ctx context.Context, stored *model.StoredSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[stored.VisitID]; ok && !existing.CreatedAt.IsZero() {
		s := *stored
		s.CreatedAt = existing.CreatedAt
		r.sessions[stored.VisitID] = s
		return nil
	}
	r.sessions[stored.VisitID] = *stored
	return nil
}

// DeleteByVisitID は指定ビジットのセッションを削除する。
func (r *MemoryAuthSessionRepo) DeleteByVisitID(ctx context.Context, visitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, visitID)
	return nil
}

// Touch はセッションの最終利用時刻を更新する。
func (r *MemoryAuthSessionRepo) Touch(ctx context.Context, visitID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.sessions[visitID]; ok {
		stored.UpdatedAt = at
		r.sessions[visitID] = stored
	}
	return nil
}

// DeleteUpdatedBefore は放置されたセッションを削除する。
func (r *MemoryAuthSessionRepo) DeleteUpdatedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, stored := range r.sessions {
		if stored.UpdatedAt.Before(before) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var _ AuthSessionRepository = (*MemoryAuthSessionRepo)(nil)
