// Package view はブラウザのビジット（ページ表示）ごとにセッションゲートと
// メッセージパネルを保持するレジストリを提供する。
package view

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/gossip/internal/auth"
	"github.com/hitoshi/gossip/internal/gate"
	"github.com/hitoshi/gossip/internal/metrics"
	"github.com/hitoshi/gossip/internal/panel"
)

// アラートの発生元ラベル
const (
	SourceGate  = "gate"
	SourcePanel = "panel"
)

// alertQueue は次の描画で表示するアラートを溜める。
type alertQueue struct {
	mu       sync.Mutex
	messages []string
}

func (q *alertQueue) push(message string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, message)
}

func (q *alertQueue) take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.messages
	q.messages = nil
	return out
}

func (q *alertQueue) peek() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.messages...)
}

// sourceAlerter は発生元ごとにメトリクスを記録してキューへ積むAlerter。
type sourceAlerter struct {
	queue   *alertQueue
	source  string
	metrics metrics.MetricsCollector
}

func (a *sourceAlerter) Alert(message string) {
	a.metrics.RecordAlert(a.source)
	a.queue.push(message)
}

// Snapshot はビジットの描画用スナップショット。
type Snapshot struct {
	VisitID string
	Gate    gate.View
	Panel   panel.State
	Alerts  []string
}

// Visit はビジット1件分の状態。
type Visit struct {
	ID    string
	Auth  *auth.Client
	Gate  *gate.Gate
	Panel *panel.Panel

	alerts *alertQueue
	logger *slog.Logger

	mu         sync.Mutex
	lastAccess time.Time
}

// Sync はセッションを再確認し、ゲートの状態をパネルへ反映する。
// 認証済みならユーザーIDでパネルをマウントし、未認証ならアンマウントする。
func (v *Visit) Sync(ctx context.Context) {
	if err := v.Gate.Revalidate(ctx); err != nil {
		v.logger.Error("failed to revalidate session",
			slog.String("error", err.Error()),
		)
	}

	gv := v.Gate.View()
	if gv.Authenticated {
		v.Panel.Mount(ctx, gv.UserID)
		return
	}
	v.Panel.Unmount()
}

// Snapshot は現在の状態を返す。保留中のアラートは消費しない。
func (v *Visit) Snapshot() Snapshot {
	return Snapshot{
		VisitID: v.ID,
		Gate:    v.Gate.View(),
		Panel:   v.Panel.State(),
		Alerts:  v.alerts.peek(),
	}
}

// Render は現在の状態を返し、保留中のアラートを消費する。
func (v *Visit) Render() Snapshot {
	s := v.Snapshot()
	s.Alerts = v.alerts.take()
	return s
}

func (v *Visit) touch(now time.Time) {
	v.mu.Lock()
	v.lastAccess = now
	v.mu.Unlock()
}

func (v *Visit) idleSince(now time.Time) time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return now.Sub(v.lastAccess)
}

func (v *Visit) close() {
	v.Gate.Close()
	v.Panel.Unmount()
}
