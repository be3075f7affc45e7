package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/hitoshi/gossip/internal/middleware"
	"github.com/hitoshi/gossip/internal/model"
)

const (
	oauthStateCookie    = "oauth_state"
	oauthVerifierCookie = "oauth_verifier"
	oauthCookiePath     = "/auth"
)

// AuthProvider は認証ハンドラーが必要とするIdPのインターフェース。
type AuthProvider interface {
	Name() string
	LoginURL(state, verifier string) string
	Exchange(ctx context.Context, code, verifier string) (*model.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string
	CookieSecure bool
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	provider AuthProvider
	visits   VisitStore
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(provider AuthProvider, visits VisitStore, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		provider: provider,
		visits:   visits,
		config:   config,
	}
}

// Login はOAuthフローを開始する。
// GET /auth/{provider}/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.knownProvider(w, r) {
		return
	}

	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	verifier := oauth2.GenerateVerifier()

	// stateとPKCEベリファイアをCookieに保存
	h.setFlowCookie(w, oauthStateCookie, state, 600)
	h.setFlowCookie(w, oauthVerifierCookie, verifier, 600)

	http.Redirect(w, r, h.provider.LoginURL(state, verifier), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if !h.knownProvider(w, r) {
		return
	}

	// 1. stateの検証
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStateError())
		return
	}
	verifierCookie, err := r.Cookie(oauthVerifierCookie)
	if err != nil || verifierCookie.Value == "" {
		slog.Warn("oauth verifier cookie missing")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStateError())
		return
	}

	// フロー用Cookieを削除
	h.setFlowCookie(w, oauthStateCookie, "", -1)
	h.setFlowCookie(w, oauthVerifierCookie, "", -1)

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingCodeError())
		return
	}

	// 3. トークン交換
	session, err := h.provider.Exchange(r.Context(), code, verifierCookie.Value)
	if err != nil {
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewAuthFailedError())
		return
	}

	// 4. ビジットのIdPクライアントへセッションを渡す（SIGNED_INが通知される）
	visit, err := visitFromRequest(h.visits, r)
	if err != nil {
		slog.Error("failed to resolve visit", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	if err := visit.Auth.SignIn(r.Context(), session); err != nil {
		slog.Error("failed to store session", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.SetUserID(r.Context(), session.User.ID)

	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	visit, err := visitFromRequest(h.visits, r)
	if err != nil {
		slog.Error("failed to resolve visit", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	if err := visit.Gate.SignOut(r.Context()); err != nil {
		slog.Error("failed to sign out", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.Redirect(w, r, h.config.BaseURL, http.StatusSeeOther)
}

// knownProvider はURLのIdP名が設定済みのものか確認し、異なる場合は404を返す。
func (h *AuthHandler) knownProvider(w http.ResponseWriter, r *http.Request) bool {
	name := chi.URLParam(r, "provider")
	if name != h.provider.Name() {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUnknownProviderError(name))
		return false
	}
	return true
}

func (h *AuthHandler) setFlowCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     oauthCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はOAuth stateパラメータ用のランダム文字列を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
