package handler

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/gossip/internal/middleware"
	"github.com/hitoshi/gossip/internal/model"
	"github.com/hitoshi/gossip/internal/panel"
	"github.com/hitoshi/gossip/internal/security"
	"github.com/hitoshi/gossip/internal/view"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/page.html"))

// maxTweetBodyBytes は投稿リクエストボディの上限。
const maxTweetBodyBytes = 64 << 10

// PageHandler はページ描画とツイート操作のHTTPハンドラー。
type PageHandler struct {
	visits    VisitStore
	sanitizer security.ContentSanitizerService
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(visits VisitStore, sanitizer security.ContentSanitizerService) *PageHandler {
	return &PageHandler{
		visits:    visits,
		sanitizer: sanitizer,
	}
}

// pageData はページテンプレートに渡す値。
type pageData struct {
	CSRFToken     string
	CSPNonce      string
	Provider      string
	ProviderLabel string
	Authenticated bool
	Greeting      string
	AvatarURL     string
	Bio           string
	Draft         string
	CharCount     int
	MaxLength     int
	Submitting    bool
	CanSubmit     bool
	Tweets        []tweetItem
	Alerts        []string
}

type tweetItem struct {
	Text     string
	Date     string
	Likes    int
	Retweets int
	URL      string
}

// stateResponse は GET /api/state のレスポンス。
type stateResponse struct {
	VisitID       string         `json:"visit_id"`
	Authenticated bool           `json:"authenticated"`
	Provider      string         `json:"provider"`
	UserID        string         `json:"user_id,omitempty"`
	Email         string         `json:"email,omitempty"`
	Greeting      string         `json:"greeting,omitempty"`
	Profile       *model.Profile `json:"profile,omitempty"`
	Tweets        []model.Tweet  `json:"tweets"`
	Draft         string         `json:"draft"`
	CharCount     int            `json:"char_count"`
	MaxLength     int            `json:"max_length"`
	Submitting    bool           `json:"submitting"`
	CanSubmit     bool           `json:"can_submit"`
	Alerts        []string       `json:"alerts"`
}

// Home はページを描画する。保留中のアラートはこの描画で消費される。
// GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	visit, err := visitFromRequest(h.visits, r)
	if err != nil {
		slog.Error("failed to resolve visit", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	visit.Sync(r.Context())
	snap := visit.Render()
	middleware.SetUserID(r.Context(), snap.Gate.UserID)

	data := h.buildPageData(snap, middleware.CSRFTokenFromContext(r.Context()))
	data.CSPNonce = middleware.CSPNonceFromContext(r.Context())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, data); err != nil {
		slog.Error("failed to render page", slog.String("error", err.Error()))
	}
}

// State は現在の状態をJSONで返す。アラートは消費しない。
// GET /api/state
func (h *PageHandler) State(w http.ResponseWriter, r *http.Request) {
	visit, err := visitFromRequest(h.visits, r)
	if err != nil {
		slog.Error("failed to resolve visit", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	visit.Sync(r.Context())
	snap := visit.Snapshot()
	middleware.SetUserID(r.Context(), snap.Gate.UserID)

	writeJSON(w, http.StatusOK, newStateResponse(snap))
}

// PostTweet は下書きを更新して投稿する。
// POST /tweets（フォームの content、またはJSONの {"content": ...}）
func (h *PageHandler) PostTweet(w http.ResponseWriter, r *http.Request) {
	visit, err := visitFromRequest(h.visits, r)
	if err != nil {
		slog.Error("failed to resolve visit", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	visit.Sync(r.Context())
	gv := visit.Gate.View()
	if !gv.Authenticated {
		h.respondUnauthorized(w, r)
		return
	}
	middleware.SetUserID(r.Context(), gv.UserID)

	content, err := readContent(w, r)
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	err = visit.Panel.SubmitText(r.Context(), content)
	if err != nil && !errors.Is(err, panel.ErrNotSubmittable) {
		// 失敗はアラートとして次の描画で表示される
		slog.Info("tweet submission failed",
			slog.String("user_id", gv.UserID),
			slog.String("error", err.Error()),
		)
	}

	h.respondWithState(w, r, visit)
}

// RefreshTweets は一覧を再取得する。
// POST /tweets/refresh
func (h *PageHandler) RefreshTweets(w http.ResponseWriter, r *http.Request) {
	visit, err := visitFromRequest(h.visits, r)
	if err != nil {
		slog.Error("failed to resolve visit", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	visit.Sync(r.Context())
	if !visit.Gate.View().Authenticated {
		h.respondUnauthorized(w, r)
		return
	}
	visit.Panel.Refresh(r.Context())

	h.respondWithState(w, r, visit)
}

// respondWithState はJSONを要求するクライアントには状態を、フォーム送信にはページへのリダイレクトを返す。
func (h *PageHandler) respondWithState(w http.ResponseWriter, r *http.Request, visit *view.Visit) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, newStateResponse(visit.Snapshot()))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *PageHandler) respondUnauthorized(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// buildPageData はスナップショットからテンプレート用の値を組み立てる。
// リモートサービス由来のURLはここで検証する。テキストはテンプレートがエスケープする。
func (h *PageHandler) buildPageData(snap view.Snapshot, csrfToken string) pageData {
	data := pageData{
		CSRFToken:     csrfToken,
		Provider:      snap.Gate.Provider,
		ProviderLabel: providerLabel(snap.Gate.Provider),
		Authenticated: snap.Gate.Authenticated,
		Greeting:      snap.Gate.Greeting,
		AvatarURL:     h.sanitizer.URL(snap.Gate.AvatarURL),
		Bio:           snap.Gate.Bio,
		Draft:         snap.Panel.Draft,
		CharCount:     snap.Panel.CharCount,
		MaxLength:     snap.Panel.MaxLength,
		Submitting:    snap.Panel.Submitting,
		CanSubmit:     snap.Panel.CanSubmit,
		Alerts:        snap.Alerts,
	}

	for _, t := range snap.Panel.Tweets {
		data.Tweets = append(data.Tweets, tweetItem{
			Text:     t.Text,
			Date:     t.CreatedDate(),
			Likes:    t.Likes,
			Retweets: t.Retweets,
			URL:      h.sanitizer.URL(t.URL),
		})
	}
	return data
}

func newStateResponse(snap view.Snapshot) stateResponse {
	alerts := snap.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	return stateResponse{
		VisitID:       snap.VisitID,
		Authenticated: snap.Gate.Authenticated,
		Provider:      snap.Gate.Provider,
		UserID:        snap.Gate.UserID,
		Email:         snap.Gate.Email,
		Greeting:      snap.Gate.Greeting,
		Profile:       snap.Gate.Profile,
		Tweets:        snap.Panel.Tweets,
		Draft:         snap.Panel.Draft,
		CharCount:     snap.Panel.CharCount,
		MaxLength:     snap.Panel.MaxLength,
		Submitting:    snap.Panel.Submitting,
		CanSubmit:     snap.Panel.CanSubmit,
		Alerts:        alerts,
	}
}

// readContent は投稿本文を読み取り、改行をLFに揃える。
func readContent(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTweetBodyBytes)

	var content string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		content = body.Content
	} else {
		if err := r.ParseForm(); err != nil {
			return "", err
		}
		content = r.PostFormValue("content")
	}

	return strings.ReplaceAll(content, "\r\n", "\n"), nil
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// providerLabel はログインボタンに表示するIdP名を返す。
func providerLabel(provider string) string {
	switch provider {
	case "twitter":
		return "Twitter"
	case "":
		return ""
	default:
		return strings.ToUpper(provider[:1]) + provider[1:]
	}
}
