// Package admin implements the client for the external credential
// admin service, resolved through a pluggable service locator.
//
// The admin service owns credential issuance; this client only leases
// (locks), releases (unlocks), and reports status transitions.
package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/novafoundry/fetcher/internal/domain"
)

// Locator resolves a registry service name to a base URL. The real
// registry client is an external collaborator; StaticLocator resolves
// from the configuration document.
type Locator interface {
	Resolve(name string) (string, error)
}

// StaticLocator resolves service names from a fixed address map.
type StaticLocator map[string]string

// Resolve implements Locator.
func (s StaticLocator) Resolve(name string) (string, error) {
	if addr, ok := s[name]; ok && addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("op=locator.resolve: %w: service %q has no address", domain.ErrConfig, name)
}

// Client calls the admin credential service.
type Client struct {
	locator Locator
	service string
	http    *http.Client
}

// NewClient constructs a Client for the named admin service.
func NewClient(locator Locator, service string) *Client {
	return &Client{
		locator: locator,
		service: service,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type lockRequest struct {
	Count       int    `json:"count"`
	AccountType string `json:"account_type,omitempty"`
}

type lockResponse struct {
	Accounts []domain.Credential `json:"accounts"`
}

type unlockRequest struct {
	IDs   []string `json:"ids"`
	Delay int      `json:"delay,omitempty"`
}

type unlockResponse struct {
	Success bool `json:"success"`
}

type statusRequest struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

// LockAccounts leases up to count credentials of the given class.
// Returns an empty slice when the pool is exhausted.
func (c *Client) LockAccounts(ctx domain.Context, platform domain.Platform, class domain.AccountClass, count int) ([]domain.Credential, error) {
	var resp lockResponse
	path := fmt.Sprintf("/v1/%s/accounts/lock", platform)
	if err := c.post(ctx, path, lockRequest{Count: count, AccountType: string(class)}, &resp); err != nil {
		return nil, fmt.Errorf("op=admin.lock: %w", err)
	}
	for i := range resp.Accounts {
		if resp.Accounts[i].Class == "" {
			resp.Accounts[i].Class = class
		}
	}
	slog.Info("leased credentials",
		slog.String("platform", string(platform)),
		slog.String("class", string(class)),
		slog.Int("requested", count),
		slog.Int("granted", len(resp.Accounts)))
	return resp.Accounts, nil
}

// UnlockAccounts releases leased credentials. A non-zero delaySeconds
// asks the server to keep them out of circulation for that long.
func (c *Client) UnlockAccounts(ctx domain.Context, platform domain.Platform, ids []string, delaySeconds int) error {
	if len(ids) == 0 {
		return nil
	}
	var resp unlockResponse
	path := fmt.Sprintf("/v1/%s/accounts/unlock", platform)
	if err := c.post(ctx, path, unlockRequest{IDs: ids, Delay: delaySeconds}, &resp); err != nil {
		return fmt.Errorf("op=admin.unlock: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("op=admin.unlock: server reported failure for %d ids", len(ids))
	}
	return nil
}

// UpdateAccountStatus reports a suspended or disabled credential.
func (c *Client) UpdateAccountStatus(ctx domain.Context, platform domain.Platform, id, username, status string) error {
	path := fmt.Sprintf("/v1/%s/accounts/status", platform)
	if err := c.post(ctx, path, statusRequest{ID: id, Username: username, Status: status}, nil); err != nil {
		return fmt.Errorf("op=admin.update_status: %w", err)
	}
	slog.Warn("published credential status update",
		slog.String("platform", string(platform)),
		slog.String("credential_id", id),
		slog.String("status", status))
	return nil
}

func (c *Client) post(ctx domain.Context, path string, body, out any) error {
	base, err := c.locator.Resolve(c.service)
	if err != nil {
		return err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return fmt.Errorf("admin service returned %d: %s", res.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
