package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hearthlabs/hearth/internal/logging"
)

const (
	oauthClientID      = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthTokenEndpoint = "https://console.anthropic.com/v1/oauth/token"

	// oauthReadInterval bounds how often the credential file is re-read,
	// so an external refresh (another process, manual edit) is picked up
	// without hitting the disk on every request.
	oauthReadInterval = 30 * time.Second

	// oauthExpiryBuffer refreshes tokens proactively so a request never
	// goes out with a token about to lapse mid-flight.
	oauthExpiryBuffer = 5 * time.Minute
)

// oauthCredentials is the on-disk shape of <data_dir>/oauth.json.
type oauthCredentials struct {
	Email        string `json:"email,omitempty"`
	Scope        string `json:"scope,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (c *oauthCredentials) expiresWithin(buf time.Duration) bool {
	return c.ExpiresAt <= time.Now().Add(buf).Unix()
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// OAuthSource serves bearer tokens from a credential file, refreshing
// them against the token endpoint before they expire and writing the
// rotated pair back to disk.
type OAuthSource struct {
	path     string
	endpoint string
	client   *http.Client

	mu       sync.Mutex
	creds    *oauthCredentials
	lastRead time.Time
}

// NewOAuthSource reads tokens from path (conventionally
// <data_dir>/oauth.json).
func NewOAuthSource(path string) *OAuthSource {
	return &OAuthSource{
		path:     path,
		endpoint: oauthTokenEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// OAuthCredentialsPath returns the conventional credential file location
// under the agent home.
func OAuthCredentialsPath(dataDir string) string {
	return filepath.Join(dataDir, "oauth.json")
}

// Available reports whether a credential file exists at all.
func (s *OAuthSource) Available() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Token returns a live access token, re-reading the file at most every
// 30 seconds and refreshing when the token expires within five minutes.
func (s *OAuthSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds == nil || time.Since(s.lastRead) > oauthReadInterval {
		creds, err := s.read()
		if err != nil {
			return "", err
		}
		s.creds = creds
		s.lastRead = time.Now()
	}

	if !s.creds.expiresWithin(oauthExpiryBuffer) {
		return s.creds.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, s.creds)
	if err != nil {
		return "", err
	}
	s.creds = refreshed
	s.lastRead = time.Now()
	return refreshed.AccessToken, nil
}

func (s *OAuthSource) read() (*oauthCredentials, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "open oauth credentials")
	}
	defer f.Close()

	var creds oauthCredentials
	if err := json.NewDecoder(f).Decode(&creds); err != nil {
		return nil, errors.Wrap(err, "decode oauth credentials")
	}
	if creds.AccessToken == "" {
		return nil, errors.New("oauth credentials file has no access token")
	}
	return &creds, nil
}

func (s *OAuthSource) refresh(ctx context.Context, creds *oauthCredentials) (*oauthCredentials, error) {
	if creds.RefreshToken == "" {
		return nil, errors.New("oauth token expired and no refresh token on file")
	}

	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     oauthClientID,
		"refresh_token": creds.RefreshToken,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "send refresh request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read refresh response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("token refresh failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tok oauthTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, errors.Wrap(err, "parse refresh response")
	}

	refreshed := &oauthCredentials{
		Email:        creds.Email,
		Scope:        creds.Scope,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).Unix(),
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	if tok.Scope != "" {
		refreshed.Scope = tok.Scope
	}

	if err := s.save(refreshed); err != nil {
		// The token works for this call even when the write-back fails.
		logging.L().WithError(err).Warn("could not persist refreshed oauth credentials")
	}
	return refreshed, nil
}

func (s *OAuthSource) save(creds *oauthCredentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create credentials directory")
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "create credentials file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(creds), "write credentials")
}
