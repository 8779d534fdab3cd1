package api

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// TokenSource supplies the bearer credential for API calls.
// Refresh renews the credential after the API rejected it; implementations
// guarantee a single in-flight refresh, with concurrent callers sharing
// its result.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, stale string) (string, error)
}

// StaticToken is a personal-access-token source. When backed by a file the
// token is re-read on refresh, so a rotated token on disk is picked up
// without a restart; a plain in-memory token cannot be renewed.
type StaticToken struct {
	mu      sync.RWMutex
	token   string
	path    string
	refresh singleflight.Group
}

// NewStaticToken creates a token source from a fixed token value.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

// NewStaticTokenFile creates a token source backed by a file.
func NewStaticTokenFile(path string) (*StaticToken, error) {
	st := &StaticToken{path: path}
	token, err := st.readFile()
	if err != nil {
		return nil, err
	}
	st.token = token
	return st, nil
}

func (st *StaticToken) Token(ctx context.Context) (string, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.token == "" {
		return "", fmt.Errorf("no token available")
	}
	return st.token, nil
}

// Refresh re-reads the backing file. Callers racing on the same stale token
// share one read; a caller whose stale token was already replaced gets the
// current one without touching the file again.
func (st *StaticToken) Refresh(ctx context.Context, stale string) (string, error) {
	st.mu.RLock()
	current := st.token
	st.mu.RUnlock()
	if current != stale && current != "" {
		return current, nil
	}

	if st.path == "" {
		return "", fmt.Errorf("personal access token rejected and no token file to re-read")
	}

	result, err, _ := st.refresh.Do("refresh", func() (interface{}, error) {
		token, err := st.readFile()
		if err != nil {
			return nil, err
		}
		st.mu.Lock()
		st.token = token
		st.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (st *StaticToken) readFile() (string, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", st.path, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", st.path)
	}
	return token, nil
}

// OAuthToken is a client-credentials token source. Tokens are fetched
// lazily and force-renewed on refresh, single-flight across callers.
type OAuthToken struct {
	mu      sync.RWMutex
	config  *clientcredentials.Config
	current string
	refresh singleflight.Group
}

// NewOAuthToken creates a token source using the OAuth2 client-credentials flow.
func NewOAuthToken(clientID, clientSecret, tokenURL string) *OAuthToken {
	return &OAuthToken{
		config: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		},
	}
}

func (ot *OAuthToken) Token(ctx context.Context) (string, error) {
	ot.mu.RLock()
	current := ot.current
	ot.mu.RUnlock()
	if current != "" {
		return current, nil
	}
	return ot.Refresh(ctx, "")
}

func (ot *OAuthToken) Refresh(ctx context.Context, stale string) (string, error) {
	ot.mu.RLock()
	current := ot.current
	ot.mu.RUnlock()
	if current != stale && current != "" {
		return current, nil
	}

	result, err, _ := ot.refresh.Do("refresh", func() (interface{}, error) {
		tok, err := ot.config.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("oauth token request: %w", err)
		}
		ot.mu.Lock()
		ot.current = tok.AccessToken
		ot.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
