// Package gate はビジットごとの認証状態を管理するセッションゲートを提供する。
//
// ゲートは未認証と認証済みの2状態を持ち、状態遷移はIdPクライアントからの
// 変更通知だけで起こる。認証済みに遷移するたびにプロフィールを取得する。
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/gossip/internal/auth"
	"github.com/hitoshi/gossip/internal/model"
)

// AuthClient はゲートが必要とするIdPクライアントのインターフェース。
type AuthClient interface {
	Session(ctx context.Context) (*model.Session, error)
	Subscribe(fn auth.Listener) auth.Subscription
	SignOut(ctx context.Context) error
}

// ProfileFetcher はプロフィールサービスのインターフェース。
type ProfileFetcher interface {
	Fetch(ctx context.Context, userID string) (*model.Profile, error)
}

// Alerter は利用者にブロッキングなアラートを表示する。
type Alerter interface {
	Alert(message string)
}

// Options はゲートの任意設定。
type Options struct {
	// Provider はログインに使うIdP名。
	Provider string
	Logger   *slog.Logger
}

// View はゲートの描画用スナップショット。
type View struct {
	Authenticated bool
	Provider      string
	UserID        string
	Email         string
	Greeting      string
	AvatarURL     string
	Bio           string
	Profile       *model.Profile
}

// Gate はセッションゲート。
type Gate struct {
	client   AuthClient
	profiles ProfileFetcher
	alerter  Alerter
	provider string
	logger   *slog.Logger

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        auth.Subscription
	started    bool
	closed     bool
	session    *model.Session
	profile    *model.Profile
	generation uint64
}

// New はGateを生成する。Startを呼ぶまで未認証として振る舞う。
func New(client AuthClient, profiles ProfileFetcher, alerter Alerter, opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		client:   client,
		profiles: profiles,
		alerter:  alerter,
		provider: opts.Provider,
		logger:   logger,
	}
}

// Start は現在のセッションを取得し、変更通知の購読を開始する。
// 初期セッションも以降の通知と同じハンドラで処理する。
// ctxの値は引き継ぐが、キャンセルはCloseで行う。
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started || g.closed {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.ctx, g.cancel = context.WithCancel(context.WithoutCancel(ctx))
	g.mu.Unlock()

	session, err := g.client.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to get initial session: %w", err)
	}

	sub := g.client.Subscribe(g.handle)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	g.sub = sub
	g.mu.Unlock()

	g.handle(model.AuthEventInitialSession, session)
	return nil
}

// Close は購読を解除し、取得中のプロフィールを破棄する。複数回呼んでもよい。
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	sub := g.sub
	g.sub = nil
	cancel := g.cancel
	g.generation++
	g.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// Revalidate はIdPクライアントに現在のセッションを問い合わせる。
// 期限切れによる更新や破棄は変更通知を通じて反映される。
func (g *Gate) Revalidate(ctx context.Context) error {
	if _, err := g.client.Session(ctx); err != nil {
		return fmt.Errorf("failed to revalidate session: %w", err)
	}
	return nil
}

// SignOut はIdPクライアントにセッションの破棄を依頼する。
// 状態の変化はSIGNED_OUT通知を通じて反映される。
func (g *Gate) SignOut(ctx context.Context) error {
	if err := g.client.SignOut(ctx); err != nil {
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}

// handle はセッション変更通知を処理する。
func (g *Gate) handle(event model.AuthEvent, session *model.Session) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}

	if session == nil {
		g.session = nil
		g.profile = nil
		g.generation++
		g.mu.Unlock()
		return
	}

	prev := g.session
	copied := *session
	g.session = &copied

	userChanged := prev == nil || prev.User.ID != session.User.ID
	if userChanged {
		g.profile = nil
	}
	if !userChanged && event == model.AuthEventInitialSession {
		g.mu.Unlock()
		return
	}

	g.generation++
	gen := g.generation
	ctx := g.ctx
	g.mu.Unlock()

	g.fetchProfile(ctx, gen, session.User.ID)
}

// fetchProfile はプロフィールを取得する。
// 取得中にセッションが変わった場合、レスポンスは破棄する。
func (g *Gate) fetchProfile(ctx context.Context, gen uint64, userID string) {
	profile, err := g.profiles.Fetch(ctx, userID)

	g.mu.Lock()
	if gen != g.generation {
		g.mu.Unlock()
		g.logger.Debug("discarding superseded profile",
			slog.String("user_id", userID),
		)
		return
	}
	if err != nil {
		g.mu.Unlock()
		g.logger.Error("error fetching profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		g.alerter.Alert(model.AlertProfileFetchFailed)
		return
	}
	g.profile = profile
	g.mu.Unlock()
}

// View は現在の状態のスナップショットを返す。
func (g *Gate) View() View {
	g.mu.Lock()
	defer g.mu.Unlock()

	v := View{Provider: g.provider}
	if g.session == nil {
		return v
	}

	v.Authenticated = true
	v.UserID = g.session.User.ID
	v.Email = g.session.User.Email

	name := g.session.User.Email
	if g.profile != nil {
		p := *g.profile
		v.Profile = &p
		if n := p.DisplayName(); n != "" {
			name = n
		}
		v.AvatarURL = p.Avatar()
		v.Bio = p.BioText()
	}
	v.Greeting = "Welcome, " + name
	return v
}
