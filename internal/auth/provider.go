// Package auth はIdPとの認可コードフローと、ビジットごとのセッション変更通知を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/hitoshi/gossip/internal/model"
)

// ErrNoRefreshToken はリフレッシュトークンがないためセッションを更新できないことを示す。
var ErrNoRefreshToken = errors.New("session has no refresh token")

// ProviderConfig はIdPの設定。
type ProviderConfig struct {
	Name         string // "twitter" 等。認可URLの provider パラメータにも使用する
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	// JWTSecret はアクセストークン（HS256 JWT）の署名検証鍵。
	JWTSecret string
}

// accessClaims はアクセストークンのクレーム。
type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Provider はOAuth 2.0 認可コードフロー（PKCE）でIdPと通信する。
type Provider struct {
	name      string
	oauth     *oauth2.Config
	jwtSecret []byte
	now       func() time.Time
}

// NewProvider はProviderを生成する。
func NewProvider(cfg ProviderConfig) *Provider {
	return &Provider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		jwtSecret: []byte(cfg.JWTSecret),
		now:       time.Now,
	}
}

// Name はIdP名を返す。
func (p *Provider) Name() string {
	return p.name
}

// LoginURL は認可URLを生成する。
// verifierはoauth2.GenerateVerifierで生成したPKCEコードベリファイア。
func (p *Provider) LoginURL(state, verifier string) string {
	return p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("provider", p.name),
	)
}

// Exchange は認可コードをトークンに交換し、セッションを組み立てる。
func (p *Provider) Exchange(ctx context.Context, code, verifier string) (*model.Session, error) {
	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	session, err := p.sessionFromToken(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to build session: %w", err)
	}
	return session, nil
}

// Refresh はリフレッシュトークンでアクセストークンを更新する。
// IdPが新しいリフレッシュトークンを返さない場合は既存のものを引き継ぐ。
func (p *Provider) Refresh(ctx context.Context, session *model.Session) (*model.Session, error) {
	if session.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	// Expiryを過去にして必ず更新させる
	src := p.oauth.TokenSource(ctx, &oauth2.Token{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		Expiry:       p.now().Add(-time.Second),
	})

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshed, err := p.sessionFromToken(tok)
	if err != nil {
		return nil, fmt.Errorf("failed to build refreshed session: %w", err)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = session.RefreshToken
	}
	return refreshed, nil
}

// sessionFromToken はトークンレスポンスからセッションを組み立てる。
// ユーザーIDとメールアドレスはアクセストークンのクレーム（sub, email）から読み取る。
func (p *Provider) sessionFromToken(tok *oauth2.Token) (*model.Session, error) {
	claims, err := p.parseAccessToken(tok.AccessToken)
	if err != nil {
		return nil, err
	}

	expiresAt := tok.Expiry
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &model.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		User: model.User{
			ID:    claims.Subject,
			Email: claims.Email,
		},
	}, nil
}

// parseAccessToken はHS256署名のアクセストークンを検証してクレームを返す。
func (p *Provider) parseAccessToken(raw string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			return p.jwtSecret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid access token: %w", err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("empty sub in access token")
	}
	return claims, nil
}
