package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client requests access tokens from the broker's token endpoint with the
// client credentials grant.
type Client struct {
	AppKey     string
	AppSecret  string
	TokenURL   string
	HTTPClient *http.Client
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) RequestToken(ctx context.Context) (TokenResponse, error) {
	if c.TokenURL == "" {
		return TokenResponse{}, fmt.Errorf("broker token url missing")
	}
	if c.AppKey == "" || c.AppSecret == "" {
		return TokenResponse{}, fmt.Errorf("broker app key or secret missing")
	}
	values := url.Values{}
	values.Set("grant_type", "client_credentials")
	values.Set("appkey", c.AppKey)
	values.Set("appsecret", c.AppSecret)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return TokenResponse{}, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return TokenResponse{}, err
	}
	if tokenResp.AccessToken == "" {
		return TokenResponse{}, fmt.Errorf("token response missing access_token")
	}
	if tokenResp.ExpiresIn <= 0 {
		tokenResp.ExpiresIn = int64((24 * time.Hour).Seconds())
	}
	if tokenResp.TokenType == "" {
		tokenResp.TokenType = "Bearer"
	}
	return tokenResp, nil
}
