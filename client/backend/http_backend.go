package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/ddworken/lookupguard/internal/apierr"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/ledger"
	"github.com/ddworken/lookupguard/internal/orchestrator"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/shared"
)

const DefaultServerHostname = "https://api.lookupguard.dev"

// HTTPBackend implements Backend by making HTTP requests to a lookupguard server.
type HTTPBackend struct {
	serverURL  string
	client     *http.Client
	stream     *http.Client
	version    string
	adminToken string
}

// HTTPBackendOption is a functional option for configuring HTTPBackend
type HTTPBackendOption func(*HTTPBackend)

// WithServerURL sets a custom server URL
func WithServerURL(url string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		if url != "" {
			b.serverURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.client = client
	}
}

// WithVersion sets the client version for headers
func WithVersion(version string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.version = version
	}
}

// WithAdminToken sets the bearer token sent with admin requests
func WithAdminToken(token string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		b.adminToken = token
	}
}

// NewHTTPBackend creates a new HTTP backend with the given options.
func NewHTTPBackend(opts ...HTTPBackendOption) *HTTPBackend {
	b := &HTTPBackend{
		serverURL: getServerHostname(),
		client:    &http.Client{Timeout: 30 * time.Second},
		version:   "Unknown",
	}

	for _, opt := range opts {
		opt(b)
	}
	// The session stream stays open indefinitely, so it cannot share the request timeout.
	b.stream = &http.Client{Transport: b.client.Transport}

	return b
}

func getServerHostname() string {
	if server := os.Getenv("LOOKUPGUARD_SERVER"); server != "" {
		return server
	}
	return DefaultServerHostname
}

// Type returns "http" to identify this backend type.
func (b *HTTPBackend) Type() string {
	return string(BackendTypeHTTP)
}

func (b *HTTPBackend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *HTTPBackend) Session(ctx context.Context) (*propagator.View, error) {
	var view propagator.View
	if err := b.apiGet(ctx, "/api/v1/session", false, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (b *HTTPBackend) Claim(ctx context.Context, username string) (*shared.UsageRecord, error) {
	var record shared.UsageRecord
	if err := b.apiPost(ctx, "/api/v1/claim", false, map[string]string{"username": username}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (b *HTTPBackend) Search(ctx context.Context, kind shared.QueryKind, value string) (*orchestrator.Result, error) {
	var res orchestrator.Result
	body := map[string]string{"kind": string(kind), "value": value}
	if err := b.apiPost(ctx, "/api/v1/search", false, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (b *HTTPBackend) Watch(ctx context.Context, onView func(propagator.View)) error {
	req, err := b.newRequest(ctx, http.MethodGet, "/api/v1/session/stream", false, nil)
	if err != nil {
		return err
	}
	resp, err := b.stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to GET %s/api/v1/session/stream: %w", b.serverURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return apierr.Decode(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var view propagator.View
		if err := json.Unmarshal(scanner.Bytes(), &view); err != nil {
			return fmt.Errorf("failed to decode session update: %w", err)
		}
		onView(view)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("session stream failed: %w", err)
	}
	return nil
}

func (b *HTTPBackend) ListUsers(ctx context.Context) ([]*shared.UserSummary, error) {
	var users []*shared.UserSummary
	if err := b.apiGet(ctx, "/internal/api/v1/users", true, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (b *HTTPBackend) DeleteUser(ctx context.Context, address string) error {
	return b.apiDelete(ctx, "/internal/api/v1/users?address="+url.QueryEscape(address))
}

func (b *HTTPBackend) AdjustLimit(ctx context.Context, address string, delta int) (*shared.UsageRecord, error) {
	var record shared.UsageRecord
	body := map[string]any{"address": address, "delta": delta}
	if err := b.apiPost(ctx, "/internal/api/v1/users/limit", true, body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// AdjustAllLimits adjusts users one request at a time so progress can be reported. Without a
// progress callback the server does the whole batch in one call.
func (b *HTTPBackend) AdjustAllLimits(ctx context.Context, delta int, progress func(done, total int)) (int, error) {
	if progress == nil {
		var resp struct {
			Adjusted int `json:"adjusted"`
		}
		if err := b.apiPost(ctx, "/internal/api/v1/users/limit-all", true, map[string]int{"delta": delta}, &resp); err != nil {
			return 0, err
		}
		return resp.Adjusted, nil
	}
	users, err := b.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	adjusted := 0
	for i, u := range users {
		if _, err := b.AdjustLimit(ctx, u.Address, delta); err != nil {
			if !errors.Is(err, ledger.ErrNoRecord) {
				return adjusted, err
			}
		} else {
			adjusted++
		}
		progress(i+1, len(users))
	}
	return adjusted, nil
}

func (b *HTTPBackend) ResetAll(ctx context.Context) (int64, error) {
	var resp struct {
		Reset int64 `json:"reset"`
	}
	if err := b.apiPost(ctx, "/internal/api/v1/users/reset-all", true, struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Reset, nil
}

func historyQuery(path string, filter database.HistoryFilter) string {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Address != "" {
		q.Set("address", filter.Address)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return path
}

func (b *HTTPBackend) ListHistory(ctx context.Context, filter database.HistoryFilter) ([]*shared.HistoryEntry, error) {
	path := historyQuery("/internal/api/v1/history", filter)
	var entries []*shared.HistoryEntry
	if err := b.apiGet(ctx, path, true, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *HTTPBackend) DeleteHistory(ctx context.Context, id string) error {
	return b.apiDelete(ctx, "/internal/api/v1/history?id="+url.QueryEscape(id))
}

func (b *HTTPBackend) PurgeHistory(ctx context.Context, filter database.HistoryFilter) (int64, error) {
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	if err := b.apiPost(ctx, historyQuery("/internal/api/v1/history/purge", filter), true, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

func (b *HTTPBackend) ListBlacklist(ctx context.Context) ([]*shared.BlacklistEntry, error) {
	var entries []*shared.BlacklistEntry
	if err := b.apiGet(ctx, "/internal/api/v1/blacklist", true, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *HTTPBackend) AddBlacklist(ctx context.Context, value string, kind shared.QueryKind, reason string) (*shared.BlacklistEntry, error) {
	var entry shared.BlacklistEntry
	body := map[string]string{"value": value, "kind": string(kind), "reason": reason}
	if err := b.apiPost(ctx, "/internal/api/v1/blacklist", true, body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (b *HTTPBackend) RemoveBlacklist(ctx context.Context, id string) error {
	return b.apiDelete(ctx, "/internal/api/v1/blacklist?id="+url.QueryEscape(id))
}

func (b *HTTPBackend) Stats(ctx context.Context) (database.Stats, error) {
	var stats database.Stats
	err := b.apiGet(ctx, "/internal/api/v1/stats?format=json", true, &stats)
	return stats, err
}

func (b *HTTPBackend) newRequest(ctx context.Context, method, path string, admin bool, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.serverURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	b.setHeaders(req, admin)
	return req, nil
}

func (b *HTTPBackend) do(req *http.Request, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", req.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.Decode(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// apiGet performs a GET request to the server.
func (b *HTTPBackend) apiGet(ctx context.Context, path string, admin bool, out any) error {
	req, err := b.newRequest(ctx, http.MethodGet, path, admin, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

// apiPost performs a POST request with a JSON body to the server.
func (b *HTTPBackend) apiPost(ctx context.Context, path string, admin bool, body, out any) error {
	jsonValue, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, path, admin, jsonValue)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *HTTPBackend) apiDelete(ctx context.Context, path string) error {
	req, err := b.newRequest(ctx, http.MethodDelete, path, true, nil)
	if err != nil {
		return err
	}
	return b.do(req, nil)
}

// setHeaders sets common headers on the request.
func (b *HTTPBackend) setHeaders(req *http.Request, admin bool) {
	req.Header.Set("X-Lookupguard-Version", "v0."+b.version)
	if admin && b.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.adminToken)
	}
}
