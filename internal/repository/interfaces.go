// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/gossip/internal/model"
)

// AuthSessionRepository はIdPクライアントのセッションストレージのインターフェース。
// ビジットIDをキーに、そのビジットで確立されたセッションを1件だけ保持する。
type AuthSessionRepository interface {
	// FindByVisitID は指定ビジットのセッションを取得する。見つからない場合はnilを返す。
	// 期限切れのセッションもそのまま返す（更新または破棄の判断は呼び出し元が行う）。
	FindByVisitID(ctx context.Context, visitID string) (*model.StoredSession, error)

	// Save はセッションを保存する。既存の場合は上書きする。
	Save(ctx context.Context, stored *model.StoredSession) error

	// DeleteByVisitID は指定ビジットのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByVisitID(ctx context.Context, visitID string) error

	// Touch は指定ビジットのセッションのupdated_atを更新する。存在しなくてもエラーにしない。
	Touch(ctx context.Context, visitID string, at time.Time) error

	// DeleteUpdatedBefore はupdated_atが指定時刻より古いセッションを削除し、削除件数を返す。
	DeleteUpdatedBefore(ctx context.Context, before time.Time) (int64, error)
}
