package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/gossip/internal/metrics"
	"github.com/hitoshi/gossip/internal/model"
	"github.com/hitoshi/gossip/internal/repository"
)

// sessionTouchInterval は保存済みセッションのupdated_atを更新する最小間隔。
const sessionTouchInterval = time.Hour

// Refresher はセッションのアクセストークンを更新する。
type Refresher interface {
	Refresh(ctx context.Context, session *model.Session) (*model.Session, error)
}

// Listener はセッション変更通知を受け取る関数。
// サインアウト時のsessionはnil。
type Listener func(event model.AuthEvent, session *model.Session)

// Subscription は購読ハンドル。
type Subscription interface {
	// Unsubscribe は購読を解除する。複数回呼んでもよい。
	Unsubscribe()
}

// ClientOptions はClientの任意設定。
type ClientOptions struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
	Now     func() time.Time
}

// Client はビジット1件分のIdPクライアント。
// セッションストレージを所有し、変更を購読者へ通知する。
type Client struct {
	visitID   string
	store     repository.AuthSessionRepository
	refresher Refresher
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time

	// sessionMu はストレージの読み書きと更新処理を直列化する。
	sessionMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
}

// NewClient はビジット用のClientを生成する。refresherがnilの場合、期限切れセッションは破棄される。
func NewClient(visitID string, store repository.AuthSessionRepository, refresher Refresher, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopCollector{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		visitID:   visitID,
		store:     store,
		refresher: refresher,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
		listeners: make(map[int]Listener),
	}
}

// Session は現在のセッションを返す。未ログインの場合はnilを返す。
// 期限切れの場合はリフレッシュを試み、成功すればTOKEN_REFRESHEDを、
// 失敗すればセッションを破棄してSIGNED_OUTを通知する。
func (c *Client) Session(ctx context.Context) (*model.Session, error) {
	c.sessionMu.Lock()
	session, event, err := c.loadSession(ctx)
	c.sessionMu.Unlock()
	if err != nil {
		return nil, err
	}

	if event != "" {
		c.emit(event, session)
	}
	return session, nil
}

// loadSession はストレージからセッションを読み、必要なら更新または破棄する。
// 発生した変更の種別を返す（変更なしは空文字）。
func (c *Client) loadSession(ctx context.Context) (*model.Session, model.AuthEvent, error) {
	stored, err := c.store.FindByVisitID(ctx, c.visitID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load session: %w", err)
	}
	if stored == nil {
		return nil, "", nil
	}

	session := stored.Session
	now := c.now()
	if !session.Expired(now) {
		c.touch(ctx, stored, now)
		return &session, "", nil
	}

	if c.refresher != nil && session.RefreshToken != "" {
		refreshed, err := c.refresher.Refresh(ctx, &session)
		if err == nil {
			if err := c.save(ctx, refreshed); err != nil {
				return nil, "", err
			}
			return refreshed, model.AuthEventTokenRefreshed, nil
		}
		c.logger.Warn("session refresh failed",
			slog.String("visit_id", c.visitID),
			slog.String("user_id", session.User.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := c.store.DeleteByVisitID(ctx, c.visitID); err != nil {
		return nil, "", fmt.Errorf("failed to delete expired session: %w", err)
	}
	return nil, model.AuthEventSignedOut, nil
}

// SignIn はログインで得たセッションを保存し、SIGNED_INを通知する。
func (c *Client) SignIn(ctx context.Context, session *model.Session) error {
	c.sessionMu.Lock()
	err := c.save(ctx, session)
	c.sessionMu.Unlock()
	if err != nil {
		return err
	}

	c.emit(model.AuthEventSignedIn, session)
	return nil
}

// SignOut はセッションを破棄し、SIGNED_OUTを通知する。
func (c *Client) SignOut(ctx context.Context) error {
	c.sessionMu.Lock()
	err := c.store.DeleteByVisitID(ctx, c.visitID)
	c.sessionMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	c.emit(model.AuthEventSignedOut, nil)
	return nil
}

// touch は利用中のセッションの最終利用時刻を進め、保持期間による削除の対象から外す。
// 書き込みはsessionTouchIntervalに1回まで。失敗してもセッションの読み込みは成功とする。
func (c *Client) touch(ctx context.Context, stored *model.StoredSession, now time.Time) {
	if now.Sub(stored.UpdatedAt) < sessionTouchInterval {
		return
	}
	if err := c.store.Touch(ctx, c.visitID, now); err != nil {
		c.logger.Warn("failed to touch session",
			slog.String("visit_id", c.visitID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Client) save(ctx context.Context, session *model.Session) error {
	now := c.now()
	err := c.store.Save(ctx, &model.StoredSession{
		VisitID:   c.visitID,
		Session:   *session,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Subscribe はセッション変更通知の購読を開始する。
func (c *Client) Subscribe(fn Listener) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return &subscription{client: c, id: id}
}

// ListenerCount は登録中の購読者数を返す。
func (c *Client) ListenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *Client) unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// emit は購読者へ登録順に通知する。購読者の呼び出し中はロックを保持しない。
func (c *Client) emit(event model.AuthEvent, session *model.Session) {
	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.mu.Unlock()

	c.metrics.RecordAuthEvent(string(event))

	attrs := []any{
		slog.String("visit_id", c.visitID),
		slog.String("event", string(event)),
	}
	if session != nil {
		attrs = append(attrs, slog.String("user_id", session.User.ID))
	}
	c.logger.Info("auth state changed", attrs...)

	for _, fn := range fns {
		var s *model.Session
		if session != nil {
			copied := *session
			s = &copied
		}
		fn(event, s)
	}
}

type subscription struct {
	client *Client
	id     int
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.unsubscribe(s.id)
	})
}
