package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nghyane/llm-relay/internal/config"
	"github.com/nghyane/llm-relay/internal/provider"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

const (
	vertexAPIVersion = "v1"
	vertexScope      = "https://www.googleapis.com/auth/cloud-platform"
	defaultTokenURI  = "https://oauth2.googleapis.com/token"

	// TokenExpiryBuffer refreshes access tokens this long before expiry.
	TokenExpiryBuffer = time.Minute
)

// NewVertexClient builds the client for Vertex AI with service account
// credentials.
func NewVertexClient(cfg *config.VertexConfig, deps Deps) *GeminiClient {
	base := newBaseClient(provider.TagGoogle, cfg.Common, deps)
	root := cfg.BaseURL
	if root == "" {
		root = vertexBaseURL(cfg.Location)
	}
	project, location := url.PathEscape(cfg.ProjectID), url.PathEscape(cfg.Location)
	tokens := &vertexTokenSource{tag: base.tag, pool: base.pool, credentials: cfg.Credentials}
	base.wire = &geminiWire{
		tag:     base.tag,
		headers: base.headers,
		modelURL: func(model string) string {
			return fmt.Sprintf("%s/%s/projects/%s/locations/%s/publishers/google/models/%s",
				root, vertexAPIVersion, project, location, url.PathEscape(model))
		},
		authorize: func(ctx context.Context, req *http.Request) error {
			tok, err := tokens.Token(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+tok)
			return nil
		},
	}
	return &GeminiClient{baseClient: base}
}

func vertexBaseURL(location string) string {
	if location == "" || location == "global" {
		return "https://aiplatform.googleapis.com"
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com", location)
}

// vertexTokenSource caches the service account access token. Concurrent
// refreshes collapse into one exchange.
type vertexTokenSource struct {
	tag         provider.Tag
	pool        *Pool
	credentials func() ([]byte, error)

	mu     sync.RWMutex
	source oauth2.TokenSource
	token  *oauth2.Token
	group  singleflight.Group
}

func (s *vertexTokenSource) cached() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token != nil && s.token.AccessToken != "" &&
		(s.token.Expiry.IsZero() || s.token.Expiry.After(time.Now().Add(TokenExpiryBuffer))) {
		return s.token.AccessToken, true
	}
	return "", false
}

// Token returns a valid access token, exchanging the service account
// assertion when the cached one is missing or about to expire.
func (s *vertexTokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}
	result, err, _ := s.group.Do("token", func() (any, error) {
		if tok, ok := s.cached(); ok {
			return tok, nil
		}
		src, err := s.tokenSource()
		if err != nil {
			return "", err
		}
		tok, err := src.Token()
		if err != nil {
			return "", &provider.Error{Kind: provider.KindAuth, Provider: s.tag, Message: "vertex token exchange failed", Err: err}
		}
		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return result.(string), nil
}

// tokenSource parses the service account once. The exchange runs on the
// pooled client for the token endpoint.
func (s *vertexTokenSource) tokenSource() (oauth2.TokenSource, error) {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src != nil {
		return src, nil
	}

	saJSON, err := s.credentials()
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindAuth, Provider: s.tag, Message: "read service account", Err: err}
	}
	tokenURI := gjson.GetBytes(saJSON, "token_uri").String()
	if tokenURI == "" {
		tokenURI = defaultTokenURI
	}
	ctx := context.Background()
	if s.pool != nil {
		if client, err := s.pool.Acquire(tokenURI); err == nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		}
	}
	creds, err := google.CredentialsFromJSON(ctx, saJSON, vertexScope)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindAuth, Provider: s.tag, Message: "parse service account json", Err: err}
	}

	s.mu.Lock()
	s.source = creds.TokenSource
	s.mu.Unlock()
	return creds.TokenSource, nil
}
