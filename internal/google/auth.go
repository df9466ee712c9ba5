package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"duet/internal/domain"
	"duet/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// Authenticator runs the installed-app OAuth flow and keeps the resulting
// token on disk.
type Authenticator struct {
	config    *oauth2.Config
	tokenFile string
	logger    *zerolog.Logger

	mu sync.Mutex
}

// NewAuthenticator reads OAuth client credentials. A missing or malformed
// credentials file means calendar sync is not configured.
func NewAuthenticator(credentialsFile, tokenFile string, logger *zerolog.Logger) (*Authenticator, error) {
	if credentialsFile == "" {
		return nil, fmt.Errorf("%w: no credentials file", domain.ErrConfigurationMissing)
	}
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read credentials file: %v", domain.ErrConfigurationMissing, err)
	}
	cfg, err := google.ConfigFromJSON(data, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse credentials: %v", domain.ErrConfigurationMissing, err)
	}
	return newAuthenticator(cfg, tokenFile, logger), nil
}

func newAuthenticator(cfg *oauth2.Config, tokenFile string, logger *zerolog.Logger) *Authenticator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Authenticator{config: cfg, tokenFile: tokenFile, logger: logger}
}

// AuthCodeURL is the consent page the user must visit.
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and stores it.
func (a *Authenticator) Exchange(ctx context.Context, code string) error {
	tok, err := a.config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: code exchange failed: %v", domain.ErrNotAuthenticated, err)
	}
	if err := a.saveToken(tok); err != nil {
		return err
	}
	a.logger.Info().Msg("calendar account linked")
	return nil
}

// Authenticated reports whether a stored token exists.
func (a *Authenticator) Authenticated() bool {
	_, err := a.loadToken()
	return err == nil
}

// SignOut forgets the stored token.
func (a *Authenticator) SignOut() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := os.Remove(a.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// TokenSource returns a source that refreshes the access token shortly before
// it expires and writes refreshed tokens back to disk.
func (a *Authenticator) TokenSource() (oauth2.TokenSource, error) {
	tok, err := a.loadToken()
	if err != nil {
		return nil, err
	}
	base := a.config.TokenSource(context.Background(), tok)
	return &persistingTokenSource{
		src:  oauth2.ReuseTokenSourceWithExpiry(tok, base, models.TokenRefreshWindow),
		auth: a,
		last: tok.AccessToken,
	}, nil
}

func (a *Authenticator) loadToken() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := os.ReadFile(a.tokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no stored token", domain.ErrNotAuthenticated)
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("%w: corrupt token file: %v", domain.ErrNotAuthenticated, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: empty token", domain.ErrNotAuthenticated)
	}
	return &tok, nil
}

func (a *Authenticator) saveToken(tok *oauth2.Token) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.tokenFile), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp := a.tokenFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	if err := os.Rename(tmp, a.tokenFile); err != nil {
		return fmt.Errorf("commit token: %w", err)
	}
	return nil
}

type persistingTokenSource struct {
	src  oauth2.TokenSource
	auth *Authenticator

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, fmt.Errorf("%w: token refresh rejected: %v", domain.ErrNotAuthenticated, err)
		}
		return nil, err
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.last
	p.last = tok.AccessToken
	p.mu.Unlock()

	if changed {
		if err := p.auth.saveToken(tok); err != nil {
			p.auth.logger.Warn().Err(err).Msg("refreshed token not persisted")
		} else {
			p.auth.logger.Debug().Time("expiry", tok.Expiry).Msg("access token refreshed")
		}
	}
	return tok, nil
}
