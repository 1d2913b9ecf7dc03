package chat

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"chimebot/pkg/logx"
)

const (
	defaultBaseURL  = "https://chat.googleapis.com"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	chatScope       = "https://www.googleapis.com/auth/chat.bot"
)

type Config struct {
	CredentialsEmail string
	PrivateKey       []byte // service account key, PEM
	TokenURL         string
	BaseURL          string
	Timeout          time.Duration
	SendRatePerSec   int
}

// Client talks to the Google Chat REST API on behalf of a service account.
// All methods return an error on auth/network/HTTP failure; callers decide
// what a failure means (for scheduled dispatch it triggers the disable path).
type Client struct {
	cfg     Config
	log     logx.Logger
	http    *http.Client
	key     *rsa.PrivateKey
	limiter *rate.Limiter

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.CredentialsEmail) == "" {
		return nil, errors.New("chat credentials email is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("chat private key: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	rps := cfg.SendRatePerSec
	if rps < 1 {
		rps = 5
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: timeout},
		key:     key,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// bearer returns a cached access token, exchanging a fresh signed JWT at the
// OAuth endpoint when the cached one is within a minute of expiry.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp.Add(-time.Minute)) {
		return c.token, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   c.cfg.CredentialsEmail,
		"scope": chatScope,
		"aud":   c.cfg.TokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	form := "grant_type=urn:ietf:params:oauth:grant-type:jwt-bearer&assertion=" + assertion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("token exchange: http %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("token exchange: empty access token")
	}
	c.token = out.AccessToken
	c.tokenExp = now.Add(time.Duration(out.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat %s %s: http %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendMessage posts text into a thread of a space and returns the created
// message's resource name.
func (c *Client) SendMessage(ctx context.Context, text, threadID, spaceName string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	payload := struct {
		Text   string `json:"text"`
		Thread struct {
			Name string `json:"name"`
		} `json:"thread"`
	}{Text: text}
	payload.Thread.Name = threadID

	var out struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/"+spaceName+"/messages", payload, &out); err != nil {
		c.log.Warn("send failed", logx.String("space", spaceName), logx.String("thread", threadID), logx.Err(err))
		return "", err
	}
	return out.Name, nil
}

// MessageText fetches the user-typed text of a message by resource name.
func (c *Client) MessageText(ctx context.Context, messageName string) (string, error) {
	var out struct {
		ArgumentText string `json:"argumentText"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/"+messageName, nil, &out); err != nil {
		return "", err
	}
	return out.ArgumentText, nil
}

// ListSpaces returns every space the bot is a member of.
func (c *Client) ListSpaces(ctx context.Context) ([]Space, error) {
	var out struct {
		Spaces []Space `json:"spaces"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/spaces", nil, &out); err != nil {
		return nil, err
	}
	return out.Spaces, nil
}

// ListMembers returns the human members of a space.
func (c *Client) ListMembers(ctx context.Context, spaceName string) ([]Member, error) {
	var out struct {
		Memberships []struct {
			Member Member `json:"member"`
		} `json:"memberships"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/"+spaceName+"/members", nil, &out); err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(out.Memberships))
	for _, m := range out.Memberships {
		members = append(members, m.Member)
	}
	return members, nil
}
