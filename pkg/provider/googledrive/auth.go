package googledrive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

const defaultTokenURL = "https://oauth2.googleapis.com/token"

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// RefreshAccessToken exchanges a refresh token at Google's token endpoint.
// A 4xx answer means the refresh token is invalid or revoked; that is
// surfaced as a reauth-required AuthError and never retried.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.Token, error) {
	ctx, span := c.tracer.Start(ctx, "googledrive.refresh_access_token")
	defer span.End()

	if refreshToken == "" {
		err := &provider.AuthError{
			Provider:       provider.ProviderGoogle,
			Message:        "no refresh token available",
			ReauthRequired: true,
		}
		span.RecordError(err)
		return nil, err
	}

	tokenURL := c.config.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	form := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		perr := &provider.ProviderError{Provider: provider.ProviderGoogle, Message: err.Error()}
		span.RecordError(perr)
		return nil, perr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		aerr := &provider.AuthError{
			Provider:       provider.ProviderGoogle,
			Message:        "refresh token rejected",
			ReauthRequired: true,
		}
		span.RecordError(aerr)
		return nil, aerr
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		perr := &provider.ProviderError{
			Provider:   provider.ProviderGoogle,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
		span.RecordError(perr)
		return nil, perr
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		perr := &provider.ProviderError{
			Provider: provider.ProviderGoogle,
			Message:  "parsing token response: " + err.Error(),
		}
		span.RecordError(perr)
		return nil, perr
	}

	c.metrics.TokenRefreshes++

	span.SetAttributes(attribute.Bool("refresh_token.rotated", tr.RefreshToken != ""))

	return &provider.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
