// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

const visitCookieName = "visit_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// visitIDContextKey はリクエストコンテキストにビジットIDを格納するためのキー。
	visitIDContextKey = contextKey("visit_id")
	// logFieldsContextKey はリクエストログの追加フィールドを格納するためのキー。
	logFieldsContextKey = contextKey("log_fields")
)

// VisitConfig はビジットCookieの設定。
type VisitConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewVisitMiddleware はビジットCookieを読み取り、ビジットIDをリクエストコンテキストに注入するミドルウェアを返す。
// Cookieがない、またはUUIDとして不正な場合は新しいビジットIDを発行する。
func NewVisitMiddleware(config VisitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			visitID := ""
			if cookie, err := r.Cookie(visitCookieName); err == nil {
				if id, err := uuid.Parse(cookie.Value); err == nil {
					visitID = id.String()
				}
			}

			if visitID == "" {
				visitID = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     visitCookieName,
					Value:    visitID,
					Path:     "/",
					Domain:   config.CookieDomain,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			if f := logFieldsFromContext(r.Context()); f != nil {
				f.visitID = visitID
			}

			ctx := context.WithValue(r.Context(), visitIDContextKey, visitID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// VisitIDFromContext はリクエストコンテキストからビジットIDを取得する。
// ビジットミドルウェアを通過したリクエストでのみ有効。
func VisitIDFromContext(ctx context.Context) (string, error) {
	visitID, ok := ctx.Value(visitIDContextKey).(string)
	if !ok || visitID == "" {
		return "", fmt.Errorf("visit ID not found in context")
	}
	return visitID, nil
}

// ContextWithVisitID はコンテキストにビジットIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithVisitID(ctx context.Context, visitID string) context.Context {
	return context.WithValue(ctx, visitIDContextKey, visitID)
}
