package session

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/pysiyou/atlas-sub001/token"
)

// TokenSource adapts the Controller to oauth2.TokenSource, so any
// consumer built against that interface (oauth2.NewClient, transports,
// SDKs) can draw tokens from the session lifecycle. A stale cached
// token is renewed through the single-flight coordinator.
func (c *Controller) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &controllerTokenSource{ctx: ctx, controller: c}
}

type controllerTokenSource struct {
	ctx        context.Context
	controller *Controller
}

func (ts *controllerTokenSource) Token() (*oauth2.Token, error) {
	raw := ts.controller.Token()
	if raw == "" || token.IsExpired(raw, ts.controller.expiryBuffer) {
		refreshed, err := ts.controller.Refresh(ts.ctx)
		if err != nil {
			return nil, errors.Wrap(err, "[TokenSource.Token] refresh")
		}
		raw = refreshed
	}

	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if claims := token.Decode(raw); claims != nil && claims.ExpiresAt != nil {
		tok.Expiry = *claims.ExpiresAt
	}
	return tok, nil
}
