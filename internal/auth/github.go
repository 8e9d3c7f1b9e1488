package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const githubAPIBase = "https://api.github.com"

// GitHubProvider implements federated login against GitHub. GitHub is plain
// OAuth 2.0 without OIDC, so the identity comes from its REST API; the
// primary verified email is looked up explicitly because the profile email
// field is often empty.
type GitHubProvider struct {
	oauth   oauth2.Config
	apiBase string
}

// NewGitHubProvider builds the provider. redirectURL is this server's
// callback endpoint.
func NewGitHubProvider(clientID, clientSecret, redirectURL string) *GitHubProvider {
	return &GitHubProvider{
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBase: githubAPIBase,
	}
}

// Name returns "github".
func (p *GitHubProvider) Name() string { return "github" }

// AuthCodeURL builds the GitHub authorization URL for one login attempt.
// GitHub has no nonce parameter; replay protection rests on state alone.
func (p *GitHubProvider) AuthCodeURL(state, _ string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange redeems the callback code and resolves the user's identity from
// the GitHub API.
func (p *GitHubProvider) Exchange(ctx context.Context, code, _ string) (*Identity, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: github code exchange: %w", err)
	}
	client := p.oauth.Client(ctx, tok)

	var profile struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := p.getJSON(ctx, client, "/user", &profile); err != nil {
		return nil, err
	}

	email, verified := profile.Email, false
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := p.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		return nil, err
	}
	for _, e := range emails {
		if e.Primary {
			email, verified = e.Email, e.Verified
			break
		}
	}
	if email == "" {
		return nil, fmt.Errorf("auth: github account has no usable email")
	}

	name := profile.Name
	if name == "" {
		name = profile.Login
	}

	return &Identity{
		Provider:      p.Name(),
		AccountID:     strconv.FormatInt(profile.ID, 10),
		Email:         email,
		EmailVerified: verified,
		Name:          name,
	}, nil
}

func (p *GitHubProvider) getJSON(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("auth: build github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("auth: github api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("auth: github api %s returned %d: %s", path, resp.StatusCode, detail)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("auth: decode github response: %w", err)
	}
	return nil
}
