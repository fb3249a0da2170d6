package api

import (
	"context"
	"fmt"
)

// Principal 已鉴权的调用方（注入到 context）
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

type principalContextKey struct{}

// WithPrincipal 注入 Principal 到 context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom 从 context 提取 Principal
func PrincipalFrom(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || p == nil {
		return nil, fmt.Errorf("principal not found in context")
	}
	return p, nil
}
