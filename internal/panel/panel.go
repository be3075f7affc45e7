// Package panel はツイートの作成フォームと最近のツイート一覧を管理するメッセージパネルを提供する。
//
// パネルはユーザーIDを引数として受け取り、セッションそのものには依存しない。
// 一覧取得の失敗はログのみ、投稿の失敗はアラートで利用者に通知する。
package panel

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hitoshi/gossip/internal/model"
)

// ErrNotSubmittable は下書きが空、または投稿処理中のため投稿しなかったことを示す。
var ErrNotSubmittable = errors.New("draft is empty or a submission is in progress")

// AlertPostRetry は投稿失敗時にサーバーから詳細が得られなかった場合の文言。
const AlertPostRetry = "Failed to post tweet. Please try again."

// TweetService はパネルが必要とするバックエンドAPIのインターフェース。
type TweetService interface {
	List(ctx context.Context, userID string) ([]model.Tweet, error)
	Post(ctx context.Context, userID, content string) error
}

// Alerter は利用者にブロッキングなアラートを表示する。
type Alerter interface {
	Alert(message string)
}

// Options はパネルの任意設定。
type Options struct {
	// OnPosted は投稿成功後に呼ばれる。
	OnPosted func()
	Logger   *slog.Logger
}

// State はパネルの描画用スナップショット。
type State struct {
	UserID     string
	Tweets     []model.Tweet
	Draft      string
	CharCount  int
	MaxLength  int
	Submitting bool
	CanSubmit  bool
}

// Panel はメッセージパネル。複数のリクエストから並行に呼ばれてよい。
type Panel struct {
	service  TweetService
	alerter  Alerter
	onPosted func()
	logger   *slog.Logger

	mu         sync.Mutex
	userID     string
	mounted    bool
	generation uint64
	tweets     []model.Tweet
	draft      string
	submitting bool
}

// New はPanelを生成する。
func New(service TweetService, alerter Alerter, opts Options) *Panel {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		service:  service,
		alerter:  alerter,
		onPosted: opts.OnPosted,
		logger:   logger,
		tweets:   []model.Tweet{},
	}
}

// Mount はユーザーIDを設定する。
// 初回、およびユーザーIDが変わった場合にのみ一覧を取得する。
func (p *Panel) Mount(ctx context.Context, userID string) {
	p.mu.Lock()
	if p.mounted && p.userID == userID {
		p.mu.Unlock()
		return
	}
	p.mounted = true
	p.userID = userID
	p.mu.Unlock()

	p.fetch(ctx)
}

// Unmount はパネルを破棄された状態に戻す。
// 一覧と下書きを捨て、取得中のレスポンスは反映しない。
func (p *Panel) Unmount() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.mounted = false
	p.userID = ""
	p.generation++
	p.tweets = []model.Tweet{}
	p.draft = ""
}

// Refresh は現在のユーザーIDで一覧を再取得する。未マウントの場合は何もしない。
func (p *Panel) Refresh(ctx context.Context) {
	p.mu.Lock()
	mounted := p.mounted
	p.mu.Unlock()

	if mounted {
		p.fetch(ctx)
	}
}

// fetch は一覧を取得し、成功時のみ表示中の一覧を丸ごと置き換える。
// 取得中に新しい取得が始まった場合、古いレスポンスは破棄する。
func (p *Panel) fetch(ctx context.Context) {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	userID := p.userID
	p.mu.Unlock()

	tweets, err := p.service.List(ctx, userID)
	if err != nil {
		p.logger.Error("error fetching tweets",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		p.logger.Debug("discarding superseded tweet list",
			slog.String("user_id", userID),
			slog.Uint64("generation", gen),
		)
		return
	}
	p.tweets = tweets
}

// SetDraft は下書きを設定する。MaxTweetLength文字を超える分は切り捨てる。
func (p *Panel) SetDraft(text string) {
	text = truncateDraft(text)

	p.mu.Lock()
	p.draft = text
	p.mu.Unlock()
}

// truncateDraft は文字数(コードポイント数)をMaxTweetLengthに収める。
func truncateDraft(text string) string {
	if utf8.RuneCountInString(text) > model.MaxTweetLength {
		return string([]rune(text)[:model.MaxTweetLength])
	}
	return text
}

// CanSubmit は投稿可能かどうかを返す。
func (p *Panel) CanSubmit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canSubmitLocked()
}

func (p *Panel) canSubmitLocked() bool {
	return !p.submitting && strings.TrimSpace(p.draft) != ""
}

// Submit は下書きを投稿する。
// 投稿できない状態ではリクエストを送らずErrNotSubmittableを返す。
// 成功時は下書きをクリアして一覧を1回再取得し、OnPostedを呼ぶ。
// 失敗時はアラートを表示し、下書きはそのまま残す。
func (p *Panel) Submit(ctx context.Context) error {
	p.mu.Lock()
	return p.submitLocked(ctx)
}

// SubmitText は下書きの設定と投稿を一度に行う。
// 投稿処理中の場合は下書きに触れずErrNotSubmittableを返す。
func (p *Panel) SubmitText(ctx context.Context, text string) error {
	text = truncateDraft(text)

	p.mu.Lock()
	if p.submitting {
		p.mu.Unlock()
		return ErrNotSubmittable
	}
	p.draft = text
	return p.submitLocked(ctx)
}

// submitLocked はロックを保持した状態で呼ばれ、ロックを解放してから投稿する。
func (p *Panel) submitLocked(ctx context.Context) error {
	if !p.canSubmitLocked() {
		p.mu.Unlock()
		return ErrNotSubmittable
	}
	p.submitting = true
	userID := p.userID
	content := p.draft
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.submitting = false
		p.mu.Unlock()
	}()

	if err := p.service.Post(ctx, userID, content); err != nil {
		p.logger.Error("error posting tweet",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		p.alerter.Alert(postAlertMessage(err))
		return err
	}

	p.mu.Lock()
	p.draft = ""
	p.mu.Unlock()

	p.fetch(ctx)

	if p.onPosted != nil {
		p.onPosted()
	}
	return nil
}

// postAlertMessage は投稿エラーから利用者向けの文言を組み立てる。
func postAlertMessage(err error) string {
	var postErr *model.PostError
	if errors.As(err, &postErr) {
		return postErr.Error()
	}
	return AlertPostRetry
}

// State は現在の状態のスナップショットを返す。
func (p *Panel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	tweets := make([]model.Tweet, len(p.tweets))
	copy(tweets, p.tweets)

	return State{
		UserID:     p.userID,
		Tweets:     tweets,
		Draft:      p.draft,
		CharCount:  utf8.RuneCountInString(p.draft),
		MaxLength:  model.MaxTweetLength,
		Submitting: p.submitting,
		CanSubmit:  p.canSubmitLocked(),
	}
}
