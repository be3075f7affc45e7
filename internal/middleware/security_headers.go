package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/gossip/internal/security"
)

const cspNonceContextKey contextKey = "csp_nonce"

// SecurityHeadersConfig はセキュリティヘッダーの設定。
type SecurityHeadersConfig struct {
	// HSTS はStrict-Transport-Securityを付与するかどうか。HTTPS配信時のみ有効にする。
	HSTS bool
}

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// ページ内のスクリプトはリクエストごとのnonceを持つものだけ実行を許可する。
// img-src はアバターURLの検証と同じスキームを許可する。
func NewSecurityHeadersMiddleware(cfg SecurityHeadersConfig) func(next http.Handler) http.Handler {
	imgSrc := imageSources()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nonce, err := generateNonce()
			if err != nil {
				WriteInternalServerError(w)
				return
			}

			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Content-Security-Policy", fmt.Sprintf(
				"default-src 'self'; script-src 'nonce-%s'; img-src %s; style-src 'self' 'unsafe-inline'; form-action 'self'; frame-ancestors 'none'; base-uri 'none'",
				nonce, imgSrc,
			))
			if cfg.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			ctx := context.WithValue(r.Context(), cspNonceContextKey, nonce)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CSPNonceFromContext はリクエストのスクリプトnonceを返す。
func CSPNonceFromContext(ctx context.Context) string {
	v, _ := ctx.Value(cspNonceContextKey).(string)
	return v
}

func imageSources() string {
	sources := []string{"'self'"}
	for _, scheme := range security.URLSchemes {
		sources = append(sources, scheme+":")
	}
	return strings.Join(sources, " ")
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
