// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/gossip/internal/middleware"
	"github.com/hitoshi/gossip/internal/view"
)

// VisitStore はハンドラーが必要とするビジットレジストリのインターフェース。
type VisitStore interface {
	Get(ctx context.Context, visitID string) (*view.Visit, error)
}

// visitFromRequest はリクエストのビジットを取得する。
// ビジットミドルウェアを通過している必要がある。
func visitFromRequest(visits VisitStore, r *http.Request) (*view.Visit, error) {
	visitID, err := middleware.VisitIDFromContext(r.Context())
	if err != nil {
		return nil, err
	}

	v, err := visits.Get(r.Context(), visitID)
	if err != nil {
		return nil, fmt.Errorf("failed to get visit: %w", err)
	}
	return v, nil
}
