// Package billing implements the synchronous pre-flight check against the
// billing service. The gate fails open: billing should prevent abuse, not
// prevent the business from operating when billing is down. The one
// exception is 401, which rejects the caller instead of failing open.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/moisson/horosafe"
)

// Resource types the gate knows about.
const (
	ResourceDocuments    = "documents"
	ResourceWebsites     = "websites"
	ResourceDailyChats   = "daily_chats"
	ResourceMonthlyChats = "monthly_chats"
)

// ErrUnauthorized is returned on a 401 from the billing service. Unlike
// every other failure, this does not fail open.
var ErrUnauthorized = errors.New("billing: unauthorized")

// CheckResult is the billing service's verdict, or a synthesized fail-open
// verdict when the service is unreachable.
type CheckResult struct {
	Allowed      bool   `json:"allowed"`
	CurrentUsage int    `json:"current_usage"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	Reason       string `json:"reason"`
}

// Config configures the gate.
type Config struct {
	// BaseURL of the billing service.
	BaseURL string
	// Timeout per check. Default: 5s.
	Timeout time.Duration
	// Client overrides the default HTTP client (tests).
	Client *http.Client
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Gate performs pre-flight usage checks.
type Gate struct {
	cfg    Config
	client *http.Client
}

// NewGate creates a Gate.
func NewGate(cfg Config) *Gate {
	cfg.defaults()
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gate{cfg: cfg, client: client}
}

// CheckUsage asks whether the tenant may consume one more unit of the given
// resource type.
func (g *Gate) CheckUsage(ctx context.Context, bearerToken, resourceType string) (*CheckResult, error) {
	return g.get(ctx, bearerToken, "/api/v1/usage/check/"+resourceType)
}

// CanIngestWebsite asks the website-specific restriction endpoint.
func (g *Gate) CanIngestWebsite(ctx context.Context, bearerToken string) (*CheckResult, error) {
	return g.get(ctx, bearerToken, "/api/v1/restrictions/can-ingest-website")
}

func (g *Gate) get(ctx context.Context, bearerToken, path string) (*CheckResult, error) {
	url := strings.TrimRight(g.cfg.BaseURL, "/") + path

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		g.cfg.Logger.Warn("billing: unreachable, failing open", "url", url, "error", err)
		return failOpen("billing_service_unreachable"), nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result CheckResult
		body, err := io.ReadAll(io.LimitReader(resp.Body, horosafe.MaxResponseBody))
		if err != nil {
			g.cfg.Logger.Warn("billing: body read failed, failing open", "error", err)
			return failOpen("billing_service_bad_response"), nil
		}
		if err := json.Unmarshal(body, &result); err != nil {
			g.cfg.Logger.Warn("billing: malformed response, failing open", "error", err)
			return failOpen("billing_service_bad_response"), nil
		}
		return &result, nil

	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized

	case resp.StatusCode == http.StatusNotFound:
		return failOpen("billing_service_endpoint_not_found"), nil

	default:
		// Unexpected status, 4xx included: fail open but keep it visible.
		g.cfg.Logger.Warn("billing: unexpected status, failing open",
			"url", url, "status", resp.StatusCode)
		return failOpen(fmt.Sprintf("billing_service_error_%d", resp.StatusCode)), nil
	}
}

func failOpen(reason string) *CheckResult {
	return &CheckResult{Allowed: true, Reason: reason}
}
