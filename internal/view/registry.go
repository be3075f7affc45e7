package view

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gossip/internal/auth"
	"github.com/hitoshi/gossip/internal/gate"
	"github.com/hitoshi/gossip/internal/metrics"
	"github.com/hitoshi/gossip/internal/panel"
	"github.com/hitoshi/gossip/internal/repository"
)

// Deps はビジット生成に必要な依存。
type Deps struct {
	Sessions  repository.AuthSessionRepository
	Refresher auth.Refresher
	Profiles  gate.ProfileFetcher
	Tweets    panel.TweetService
	Provider  string
	Logger    *slog.Logger
	Metrics   metrics.MetricsCollector
}

// RegistryConfig はレジストリの設定。
type RegistryConfig struct {
	IdleTimeout     time.Duration // 最終アクセスからビジットを破棄するまでの時間
	CleanupInterval time.Duration // 期限切れビジットのクリーンアップ間隔
	Now             func() time.Time
}

// DefaultRegistryConfig はデフォルトのレジストリ設定を返す。
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		IdleTimeout:     30 * time.Minute,
		CleanupInterval: time.Minute,
		Now:             time.Now,
	}
}

// Registry はビジットIDからビジットを引くレジストリ。
// バックグラウンドで一定時間アクセスのないビジットを破棄する。
type Registry struct {
	deps   Deps
	config RegistryConfig

	mu      sync.RWMutex
	visits  map[string]*Visit
	pending map[string]*pendingVisit

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry は新しいRegistryを生成し、クリーンアップを開始する。
func NewRegistry(deps Deps, config RegistryConfig) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopCollector{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	r := &Registry{
		deps:   deps,
		config: config,
		visits:  make(map[string]*Visit),
		pending: make(map[string]*pendingVisit),
		stopCh:  make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go r.cleanupLoop()
	}

	return r
}

// NewVisitID は新しいビジットIDを生成する。
func NewVisitID() string {
	return uuid.NewString()
}

// pendingVisit は生成中のビジット。doneが閉じた後にvisitかerrが確定する。
type pendingVisit struct {
	done  chan struct{}
	visit *Visit
	err   error
}

// Get はビジットを取得する。存在しない場合は生成し、ゲートを開始する。
// 同じビジットIDの生成が進行中の場合はその完了を待ち、同じ結果を返す。
func (r *Registry) Get(ctx context.Context, visitID string) (*Visit, error) {
	now := r.config.Now()

	r.mu.RLock()
	v, exists := r.visits[visitID]
	r.mu.RUnlock()

	if exists {
		v.touch(now)
		return v, nil
	}

	r.mu.Lock()
	if v, exists := r.visits[visitID]; exists {
		r.mu.Unlock()
		v.touch(now)
		return v, nil
	}
	if p, inFlight := r.pending[visitID]; inFlight {
		r.mu.Unlock()
		return p.wait(ctx, now)
	}
	p := &pendingVisit{done: make(chan struct{})}
	r.pending[visitID] = p
	r.mu.Unlock()

	created, err := r.newVisit(ctx, visitID)

	r.mu.Lock()
	delete(r.pending, visitID)
	if err == nil {
		r.visits[visitID] = created
	}
	count := len(r.visits)
	r.mu.Unlock()

	p.visit, p.err = created, err
	close(p.done)

	if err != nil {
		return nil, err
	}
	r.deps.Metrics.SetActiveVisits(count)
	return created, nil
}

func (p *pendingVisit) wait(ctx context.Context, now time.Time) (*Visit, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	p.visit.touch(now)
	return p.visit, nil
}

// newVisit はビジットを組み立て、ゲートを開始する。
func (r *Registry) newVisit(ctx context.Context, visitID string) (*Visit, error) {
	logger := r.deps.Logger.With(slog.String("visit_id", visitID))
	alerts := &alertQueue{}

	client := auth.NewClient(visitID, r.deps.Sessions, r.deps.Refresher, auth.ClientOptions{
		Logger:  logger,
		Metrics: r.deps.Metrics,
		Now:     r.config.Now,
	})

	g := gate.New(client, r.deps.Profiles,
		&sourceAlerter{queue: alerts, source: SourceGate, metrics: r.deps.Metrics},
		gate.Options{Provider: r.deps.Provider, Logger: logger},
	)

	p := panel.New(r.deps.Tweets,
		&sourceAlerter{queue: alerts, source: SourcePanel, metrics: r.deps.Metrics},
		panel.Options{
			Logger: logger,
			OnPosted: func() {
				logger.Info("tweet posted")
			},
		},
	)

	v := &Visit{
		ID:         visitID,
		Auth:       client,
		Gate:       g,
		Panel:      p,
		alerts:     alerts,
		logger:     logger,
		lastAccess: r.config.Now(),
	}

	if err := g.Start(ctx); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to start visit: %w", err)
	}
	return v, nil
}

// Remove はビジットを破棄する。
func (r *Registry) Remove(visitID string) {
	r.mu.Lock()
	v, exists := r.visits[visitID]
	delete(r.visits, visitID)
	count := len(r.visits)
	r.mu.Unlock()

	if exists {
		v.close()
		r.deps.Metrics.SetActiveVisits(count)
	}
}

// Len は保持しているビジット数を返す。
// テストおよびメトリクス用。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.visits)
}

// Stop はクリーンアップを停止し、すべてのビジットを破棄する。
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		visits := r.visits
		r.visits = make(map[string]*Visit)
		r.mu.Unlock()

		for _, v := range visits {
			v.close()
		}
		r.deps.Metrics.SetActiveVisits(0)
	})
}

// cleanupLoop は定期的に期限切れビジットを破棄する。
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCh:
			return
		}
	}
}

// cleanup はIdleTimeoutを超えてアクセスのないビジットを破棄する。
func (r *Registry) cleanup() {
	now := r.config.Now()

	r.mu.Lock()
	var expired []*Visit
	for id, v := range r.visits {
		if v.idleSince(now) > r.config.IdleTimeout {
			expired = append(expired, v)
			delete(r.visits, id)
		}
	}
	count := len(r.visits)
	r.mu.Unlock()

	for _, v := range expired {
		v.close()
	}

	if len(expired) > 0 {
		r.deps.Logger.Info("expired idle visits",
			slog.Int("expired", len(expired)),
			slog.Int("active", count),
		)
	}
	r.deps.Metrics.SetActiveVisits(count)
}
