package portal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/dhruvsoni1802/portal-gateway/internal/targets"
	"github.com/dhruvsoni1802/portal-gateway/internal/tokens"
)

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = 5 * time.Minute

// AuthHandler is a portal whose access token comes from an OAuth2
// password grant.
type AuthHandler struct {
	*Handler
	oauth *oauth2.Config
}

func newAuthHandler(h *Handler) *AuthHandler {
	return &AuthHandler{
		Handler: h,
		oauth: &oauth2.Config{
			ClientID: h.cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  h.cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// Login performs the password grant with the tenant's credentials.
func (a *AuthHandler) Login(ctx context.Context, creds targets.Credentials) (tokens.Record, error) {
	tok, err := a.oauth.PasswordCredentialsToken(ctx, creds.Username, creds.Password)
	if err != nil {
		return tokens.Record{}, a.tokenError("login", err)
	}
	a.logger.Debug("portal: logged in", "expires", tok.Expiry)
	return recordFromToken(tok, time.Now()), nil
}

// Refresh exchanges the refresh token in rec for a new access token.
func (a *AuthHandler) Refresh(ctx context.Context, rec tokens.Record) (tokens.Record, error) {
	src := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return tokens.Record{}, a.tokenError("refresh", err)
	}
	out := recordFromToken(tok, time.Now())
	if out.RefreshToken == "" {
		out.RefreshToken = rec.RefreshToken
		out.RefreshValidUntil = rec.RefreshValidUntil
	}
	return out, nil
}

func (a *AuthHandler) tokenError(step string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
		return fmt.Errorf("portal %s: %s rejected: %w", a.cfg.ID, step, err)
	}
	return fmt.Errorf("%w: portal %s: %s: %v", targets.ErrUnavailable, a.cfg.ID, step, err)
}

func recordFromToken(tok *oauth2.Token, now time.Time) tokens.Record {
	rec := tokens.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ValidUntil:   tok.Expiry,
	}
	if rec.ValidUntil.IsZero() {
		rec.ValidUntil = now.Add(defaultLifetime)
	}
	if secs := extraSeconds(tok, "refresh_expires_in"); secs > 0 && rec.RefreshToken != "" {
		rec.RefreshValidUntil = now.Add(time.Duration(secs) * time.Second)
	}
	return rec
}

func extraSeconds(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
