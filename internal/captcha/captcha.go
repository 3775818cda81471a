// Package captcha guards the anonymous submission endpoint against
// automated abuse.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	dErrors "sapdash/pkg/domain-errors"
)

// Verifier checks a client-supplied challenge token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// AllowAll accepts every token. Used in local development and tests.
type AllowAll struct{}

func (AllowAll) Verify(context.Context, string, string) error { return nil }

// Recaptcha verifies tokens against the siteverify endpoint.
type Recaptcha struct {
	secret   string
	endpoint string
	client   *http.Client
}

const recaptchaEndpoint = "https://www.google.com/recaptcha/api/siteverify"

func NewRecaptcha(secret string) *Recaptcha {
	return &Recaptcha{
		secret:   secret,
		endpoint: recaptchaEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	ErrorCodes []string `json:"error-codes"`
}

func (r *Recaptcha) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		return dErrors.New(dErrors.CodeBadRequest, "captcha token is required")
	}

	form := url.Values{}
	form.Set("secret", r.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "captcha verification unavailable")
	}
	defer resp.Body.Close()

	var body siteverifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "decode captcha response")
	}
	if !body.Success {
		return dErrors.New(dErrors.CodeBadRequest, "captcha verification failed")
	}
	return nil
}
