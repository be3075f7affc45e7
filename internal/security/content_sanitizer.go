// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はリモートサービスから受け取ったURL（アバター画像、ツイートへのリンク）を
// 描画前に検証する。自己紹介文やツイート本文は平文のままテンプレートのエスケープに任せる。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// URLSchemes は描画するリンクと画像に許可するスキーム。
// Content-Security-Policy の img-src もこの一覧から組み立てる。
var URLSchemes = []string{"http", "https"}

// ContentSanitizerService はリモートURLの検証のインターフェース。
type ContentSanitizerService interface {
	// URL はホストを持つ絶対URLかつURLSchemesのスキームの場合のみ返し、それ以外は空文字列を返す。
	URL(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はa要素のhrefだけを許可するbluemondayポリシーでContentSanitizerServiceを生成する。
func NewContentSanitizer() *contentSanitizer {
	policy := bluemonday.NewPolicy()
	policy.RequireParseableURLs(true)
	for _, scheme := range URLSchemes {
		policy.AllowURLSchemeWithCustomPolicy(scheme, func(u *url.URL) bool {
			return u.Host != ""
		})
	}
	policy.AllowAttrs("href").OnElements("a")

	return &contentSanitizer{policy: policy}
}

// URL はリンクとして使えるURLだけを通す。
// ポリシーがhrefを落とした場合は使えないURLとみなす。
func (s *contentSanitizer) URL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	out := s.policy.Sanitize(`<a href="` + html.EscapeString(raw) + `"></a>`)
	if !strings.Contains(out, "href=") {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.String()
}
