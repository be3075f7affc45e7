// Package model はドメインモデルを定義する。
package model

import "time"

// User はIdPが発行したセッションに紐づくユーザーを表す。
type User struct {
	ID    string
	Email string
}

// Session はIdPが発行した認証済みセッションを表す。
// ページ表示（ビジット）の間だけ保持され、サインアウトまたは期限切れで破棄される。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         User
}

// Expired はセッションが指定時刻の時点で期限切れかどうかを返す。
// ExpiresAtがゼロ値の場合は期限なしとして扱う。
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// AuthEvent はセッション変更通知の種別を表す。
type AuthEvent string

const (
	// AuthEventInitialSession は購読開始時点のセッションを示す。
	AuthEventInitialSession AuthEvent = "INITIAL_SESSION"
	// AuthEventSignedIn はログイン完了を示す。
	AuthEventSignedIn AuthEvent = "SIGNED_IN"
	// AuthEventSignedOut はサインアウトまたは期限切れを示す。
	AuthEventSignedOut AuthEvent = "SIGNED_OUT"
	// AuthEventTokenRefreshed はアクセストークンの更新を示す。
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// StoredSession はIdPクライアントのセッションストレージに保存される行を表す。
// ビジットIDをキーとする。
type StoredSession struct {
	VisitID   string
	Session   Session
	CreatedAt time.Time
	UpdatedAt time.Time
}
