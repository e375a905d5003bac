package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ddworken/lookupguard/internal/apierr"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/orchestrator"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/ddworken/lookupguard/shared"
	"github.com/ddworken/lookupguard/shared/testutils"
	"github.com/go-test/deep"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const adminToken = "s3cret-admin-token"

var testNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	defer testutils.BackupAndRestoreEnv("LOOKUPGUARD_TEST")()
	os.Setenv("LOOKUPGUARD_TEST", "1")
	logrus.SetLevel(logrus.WarnLevel)

	os.Exit(m.Run())
}

type testServer struct {
	s       *Server
	db      *database.DB
	phone   *testutils.FakeProvider
	vehicle *testutils.FakeProvider
	handler http.Handler
}

func newTestServer(t *testing.T, options ...Option) *testServer {
	db := testutils.OpenTestDB(t)
	phone := testutils.RunFakePhoneProvider(t)
	vehicle := testutils.RunFakeVehicleProvider(t)
	opts := []Option{
		WithProviders(
			providers.NewPhoneClient(phone.URL(), nil),
			providers.NewVehicleClient(vehicle.URL(), "", nil),
		),
		WithStealthDelay(interdiction.Delay{}),
		WithAdminToken(adminToken),
		WithClock(func() time.Time { return testNow }),
		IsTestEnvironment(true),
		WithLogger(logrus.New()),
	}
	s := NewServer(db, append(opts, options...)...)
	s.log.SetOutput(io.Discard)
	return &testServer{s: s, db: db, phone: phone, vehicle: vehicle, handler: s.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path, addr string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if addr != "" {
		req.RemoteAddr = net.JoinHostPort(addr, "41234")
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	require.Equal(t, status, w.Code, w.Body.String())
	resp := decode[apierr.Response](t, w)
	require.Equal(t, code, resp.Code)
}

func TestClaimAndSearchUntilQuotaExceeded(t *testing.T) {
	ts := newTestServer(t)
	const addr = "203.0.113.7"
	ts.phone.SetResponse("9876543210", map[string]any{
		"result_count": 1,
		"result":       []any{map[string]any{"name": "Test Person", "address": "Somewhere"}},
	})

	// Searching before claiming a name is refused
	w := ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "phone", Value: "9876543210"})
	requireErrorCode(t, w, http.StatusForbidden, apierr.CodeIdentityRequired)
	require.Equal(t, 0, ts.phone.Calls())

	w = ts.do(t, http.MethodPost, "/api/v1/claim", addr, claimRequest{Username: "agent7"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	record := decode[shared.UsageRecord](t, w)
	require.Equal(t, "agent7", record.Username)
	require.Equal(t, shared.DefaultDailyLimit, record.DailyLimit)

	for i := 1; i <= 3; i++ {
		w = ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "phone", Value: "9876543210"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[orchestrator.Result](t, w)
		require.Equal(t, "agent7", res.Username)
		require.Equal(t, addr, res.Address)
		require.Equal(t, 3-i, res.Remaining)
		require.NotNil(t, res.Phone)
		require.Equal(t, 1, res.Phone.ResultCount)
		require.Equal(t, "Test Person", res.Phone.Result[0]["name"])
	}

	w = ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "phone", Value: "9876543210"})
	requireErrorCode(t, w, http.StatusTooManyRequests, apierr.CodeQuotaExceeded)
	require.Equal(t, 3, ts.phone.Calls())

	// A different address has its own quota
	w = ts.do(t, http.MethodPost, "/api/v1/claim", "198.51.100.2", claimRequest{Username: "agent8"})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/search", "198.51.100.2", searchRequest{Kind: "phone", Value: "9876543210"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Every successful search is in the history
	history, err := ts.db.HistoryEntryList(context.Background(), database.HistoryFilter{Address: addr})
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, entry := range history {
		require.Equal(t, "agent7", entry.Username)
		require.Equal(t, shared.QueryKindPhone, entry.QueryKind)
	}
}

func TestClaimCollision(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.1", claimRequest{Username: "shadow"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.2", claimRequest{Username: "shadow"})
	requireErrorCode(t, w, http.StatusConflict, apierr.CodeUsernameTaken)

	// Reclaiming your own name is fine
	w = ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.1", claimRequest{Username: "shadow"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.2", claimRequest{Username: "   "})
	requireErrorCode(t, w, http.StatusForbidden, apierr.CodeIdentityRequired)

	w = ts.do(t, http.MethodGet, "/api/v1/claim", "203.0.113.2", nil)
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)
}

func TestSpoofedAddressHeadersAreIgnored(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	const peer = "192.0.2.77"
	_, err := ts.db.UsageRecordSetUsername(ctx, "10.0.0.1", "agent7", "2024-05-02")
	require.NoError(t, err)

	send := func(path, spoofed string, body any) *httptest.ResponseRecorder {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
		req.RemoteAddr = net.JoinHostPort(peer, "5555")
		req.Header.Set("X-Real-Ip", spoofed)
		req.Header.Set("X-Forwarded-For", spoofed)
		w := httptest.NewRecorder()
		ts.handler.ServeHTTP(w, req)
		return w
	}

	// Rotating the headers does not buy more searches
	ok := 0
	for i := 0; i < 10; i++ {
		spoofed := fmt.Sprintf("198.51.100.%d", i)
		require.Equal(t, http.StatusOK, send("/api/v1/claim", spoofed, claimRequest{Username: "rotator"}).Code)
		if send("/api/v1/search", spoofed, searchRequest{Kind: "phone", Value: "9876543210"}).Code == http.StatusOK {
			ok++
		}
	}
	require.Equal(t, shared.DefaultDailyLimit, ok)
	record, err := ts.db.UsageRecordFind(ctx, peer)
	require.NoError(t, err)
	require.Equal(t, shared.DefaultDailyLimit, record.SearchCount)

	// And naming another address does not touch its record
	w := send("/api/v1/claim", "10.0.0.1", claimRequest{Username: "hijacked"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	victim, err := ts.db.UsageRecordFind(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "agent7", victim.Username)
	require.Equal(t, 0, victim.SearchCount)
	record, err = ts.db.UsageRecordFind(ctx, peer)
	require.NoError(t, err)
	require.Equal(t, "hijacked", record.Username)
}

func TestSearchValidation(t *testing.T) {
	ts := newTestServer(t)
	const addr = "203.0.113.9"
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", addr, claimRequest{Username: "agent9"}).Code)

	w := ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "email", Value: "a@b.c"})
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search", strings.NewReader("{not json"))
	req.RemoteAddr = net.JoinHostPort(addr, "41234")
	w = httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)

	require.Equal(t, 0, ts.phone.Calls())
	require.Equal(t, 0, ts.vehicle.Calls())
}

func TestInterdictedSearchesLookNormal(t *testing.T) {
	ts := newTestServer(t)
	const addr = "203.0.113.20"
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", addr, claimRequest{Username: "watcher"}).Code)

	w := ts.admin(t, http.MethodPost, "/internal/api/v1/blacklist", blacklistRequest{Value: "9999999999", Kind: "phone", Reason: "VIP"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = ts.admin(t, http.MethodPost, "/internal/api/v1/blacklist", blacklistRequest{Value: "KA01AB1234", Kind: "vehicle"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "phone", Value: " 9999999999 "})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[orchestrator.Result](t, w)
	if diff := deep.Equal(providers.EmptyPhoneResult(), res.Phone); diff != nil {
		t.Error(diff)
	}
	require.Contains(t, w.Body.String(), `"result":[]`)

	// An interdicted plate fails exactly like a plate that does not exist
	w = ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "vehicle", Value: "KA01AB1234"})
	requireErrorCode(t, w, http.StatusBadGateway, apierr.CodeProvider)
	blocked := decode[apierr.Response](t, w)
	w = ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "vehicle", Value: "KA99ZZ0000"})
	requireErrorCode(t, w, http.StatusBadGateway, apierr.CodeProvider)
	missing := decode[apierr.Response](t, w)
	require.Equal(t, missing, blocked)

	// Neither interdicted search reached a provider or consumed quota
	require.Equal(t, 0, ts.phone.Calls())
	require.Equal(t, 1, ts.vehicle.Calls())
	record, err := ts.db.UsageRecordFind(context.Background(), addr)
	require.NoError(t, err)
	require.Equal(t, 0, record.SearchCount)

	// But they are still in the history
	history, err := ts.db.HistoryEntryList(context.Background(), database.HistoryFilter{Address: addr})
	require.NoError(t, err)
	require.Len(t, history, 3)

	// And the session view never mentions the blacklist
	w = ts.do(t, http.MethodGet, "/api/v1/session", addr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "VIP")
	view := decode[propagator.View](t, w)
	require.Empty(t, view.Blacklist)

	// A genuine empty phone lookup from a fresh address reads the same as the blocked one
	const other = "203.0.113.21"
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", other, claimRequest{Username: "bystander"}).Code)
	w = ts.do(t, http.MethodPost, "/api/v1/search", other, searchRequest{Kind: "phone", Value: "9000000000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	genuine := decode[orchestrator.Result](t, w)
	require.Equal(t, 1, ts.phone.Calls())
	require.Equal(t, genuine.Remaining, res.Remaining)
	if diff := deep.Equal(genuine.Phone, res.Phone); diff != nil {
		t.Error(diff)
	}
}

func TestSession(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/session", "203.0.113.30", nil)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[propagator.View](t, w)
	require.False(t, view.HasRecord)
	require.Equal(t, shared.DefaultDailyLimit, view.Remaining)
	require.Equal(t, "203.0.113.30", view.Address)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.30", claimRequest{Username: "neo"}).Code)
	w = ts.do(t, http.MethodGet, "/api/v1/session", "203.0.113.30", nil)
	view = decode[propagator.View](t, w)
	require.True(t, view.HasRecord)
	require.Equal(t, "neo", view.Username)
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/internal/api/v1/users", "/internal/api/v1/history", "/internal/api/v1/blacklist", "/internal/api/v1/stats"} {
		w := ts.do(t, http.MethodGet, path, "203.0.113.40", nil)
		requireErrorCode(t, w, http.StatusUnauthorized, apierr.CodeUnauthorized)

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer wrong")
		w = httptest.NewRecorder()
		ts.handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusUnauthorized, w.Code)

		require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, path, nil).Code)
	}

	// Without a configured token the admin surface is closed
	closed := newTestServer(t, WithAdminToken(""))
	req := httptest.NewRequest(http.MethodGet, "/internal/api/v1/users", nil)
	req.Header.Set("Authorization", "Bearer ")
	w := httptest.NewRecorder()
	closed.handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminLimits(t *testing.T) {
	ts := newTestServer(t)
	const addr = "203.0.113.50"
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", addr, claimRequest{Username: "morpheus"}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.51", claimRequest{Username: "trinity"}).Code)

	w := ts.admin(t, http.MethodPost, "/internal/api/v1/users/limit", adjustLimitRequest{Address: addr, Delta: 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 5, decode[shared.UsageRecord](t, w).DailyLimit)

	w = ts.admin(t, http.MethodPost, "/internal/api/v1/users/limit", adjustLimitRequest{Address: addr, Delta: -100})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0, decode[shared.UsageRecord](t, w).DailyLimit)

	w = ts.admin(t, http.MethodPost, "/internal/api/v1/users/limit", adjustLimitRequest{Address: "192.0.2.1", Delta: 1})
	requireErrorCode(t, w, http.StatusNotFound, apierr.CodeNoRecord)

	// A zero limit means no searches at all
	w = ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "phone", Value: "9876543210"})
	requireErrorCode(t, w, http.StatusTooManyRequests, apierr.CodeQuotaExceeded)

	w = ts.admin(t, http.MethodPost, "/internal/api/v1/users/limit-all", adjustLimitRequest{Delta: 1})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]int{"adjusted": 2}, decode[map[string]int](t, w))

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	users := decode[[]shared.UserSummary](t, w)
	require.Len(t, users, 2)
	limits := map[string]int{}
	for _, u := range users {
		limits[u.Username] = u.DailyLimit
	}
	require.Equal(t, map[string]int{"morpheus": 1, "trinity": 4}, limits)

	w = ts.admin(t, http.MethodPost, "/internal/api/v1/users/reset-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]int64{"reset": 2}, decode[map[string]int64](t, w))

	w = ts.admin(t, http.MethodDelete, "/internal/api/v1/users?address=203.0.113.51", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = ts.admin(t, http.MethodDelete, "/internal/api/v1/users?address=203.0.113.51", nil)
	requireErrorCode(t, w, http.StatusNotFound, apierr.CodeNotFound)
	w = ts.admin(t, http.MethodDelete, "/internal/api/v1/users", nil)
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)
}

func TestAdminBlacklist(t *testing.T) {
	ts := newTestServer(t)

	w := ts.admin(t, http.MethodPost, "/internal/api/v1/blacklist", blacklistRequest{Value: "9999999999", Kind: "phone"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	entry := decode[shared.BlacklistEntry](t, w)
	require.Equal(t, "9999999999", entry.Value)
	require.Equal(t, interdiction.DefaultReason, entry.Reason)
	require.NotEmpty(t, entry.Id)

	w = ts.admin(t, http.MethodPost, "/internal/api/v1/blacklist", blacklistRequest{Value: "9999999999", Kind: "vehicle"})
	requireErrorCode(t, w, http.StatusConflict, apierr.CodeAlreadyInterdicted)

	w = ts.admin(t, http.MethodPost, "/internal/api/v1/blacklist", blacklistRequest{Value: "  ", Kind: "phone"})
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)
	w = ts.admin(t, http.MethodPost, "/internal/api/v1/blacklist", blacklistRequest{Value: "x", Kind: "aadhaar"})
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/blacklist", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]shared.BlacklistEntry](t, w)
	require.Len(t, entries, 1)

	w = ts.admin(t, http.MethodDelete, "/internal/api/v1/blacklist?id="+entry.Id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = ts.admin(t, http.MethodDelete, "/internal/api/v1/blacklist?id="+entry.Id, nil)
	requireErrorCode(t, w, http.StatusNotFound, apierr.CodeNotFound)

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/blacklist", nil)
	require.Empty(t, decode[[]shared.BlacklistEntry](t, w))
}

func TestAdminHistory(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, e := range []*shared.HistoryEntry{
		testutils.MakeFakeHistoryEntry("203.0.113.60", "9876543210", shared.QueryKindPhone),
		testutils.MakeFakeHistoryEntry("203.0.113.60", "KA01AB1234", shared.QueryKindVehicle),
		testutils.MakeFakeHistoryEntry("203.0.113.61", "9123456789", shared.QueryKindPhone),
	} {
		require.NoError(t, ts.db.HistoryEntryCreate(ctx, e))
	}

	w := ts.admin(t, http.MethodGet, "/internal/api/v1/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[[]shared.HistoryEntry](t, w)
	require.Len(t, all, 3)
	require.True(t, !all[0].Timestamp.Before(all[1].Timestamp), "history must be newest first")

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history?address=203.0.113.60", nil)
	require.Len(t, decode[[]shared.HistoryEntry](t, w), 2)

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history?search=KA01", nil)
	filtered := decode[[]shared.HistoryEntry](t, w)
	require.Len(t, filtered, 1)
	require.Equal(t, "KA01AB1234", filtered[0].QueryValue)

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history?limit=1", nil)
	require.Len(t, decode[[]shared.HistoryEntry](t, w), 1)

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history?limit=many", nil)
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)
	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history?since=not-a-date", nil)
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)
	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history?since=2099-01-01", nil)
	require.Empty(t, decode[[]shared.HistoryEntry](t, w))

	w = ts.admin(t, http.MethodDelete, "/internal/api/v1/history?id="+all[0].Id, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history", nil)
	require.Len(t, decode[[]shared.HistoryEntry](t, w), 2)

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history/purge", nil)
	requireErrorCode(t, w, http.StatusBadRequest, apierr.CodeBadRequest)
	w = ts.admin(t, http.MethodPost, "/internal/api/v1/history/purge?search=KA01", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, map[string]int64{"deleted": 1}, decode[map[string]int64](t, w))
	w = ts.admin(t, http.MethodGet, "/internal/api/v1/history", nil)
	remaining := decode[[]shared.HistoryEntry](t, w)
	require.Len(t, remaining, 1)
	require.Equal(t, "9876543210", remaining[0].QueryValue)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.70", claimRequest{Username: "tank"}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/search", "203.0.113.70", searchRequest{Kind: "phone", Value: "9876543210"}).Code)

	w := ts.admin(t, http.MethodGet, "/internal/api/v1/stats?format=json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[database.Stats](t, w)
	require.Equal(t, database.Stats{TotalUsers: 1, ActiveToday: 1, HistoryEntries: 1}, stats)

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/stats", nil)
	require.Contains(t, w.Body.String(), "Num users: 1")

	w = ts.admin(t, http.MethodGet, "/internal/api/v1/usage-stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "203.0.113.70")
	require.Contains(t, w.Body.String(), "tank")

	w = ts.do(t, http.MethodGet, "/healthcheck", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())

	assertNoLeakedConnections(t, ts.db)
}

func TestSessionStream(t *testing.T) {
	bus := propagator.NewBus(nil)
	t.Cleanup(func() { bus.Close() })
	// The stream runs over a real socket, so the caller is named by X-Real-Ip from loopback
	ts := newTestServer(t, WithSubscriber(bus), WithTrustedProxies("127.0.0.1", "::1"))
	ts.db.SetChangeSink(bus)
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)
	const addr = "203.0.113.80"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/session/stream", nil)
	require.NoError(t, err)
	req.Header.Set("X-Real-Ip", addr)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	views := make(chan propagator.View, 16)
	go func() {
		defer close(views)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var v propagator.View
			if json.Unmarshal(scanner.Bytes(), &v) == nil {
				views <- v
			}
		}
	}()
	next := func() propagator.View {
		select {
		case v, ok := <-views:
			require.True(t, ok, "stream closed early")
			return v
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a session update")
		}
		return propagator.View{}
	}

	initial := next()
	require.Equal(t, addr, initial.Address)
	require.False(t, initial.HasRecord)

	post := func(path string, body any) {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
		require.NoError(t, err)
		r.Header.Set("X-Real-Ip", addr)
		res, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusOK, res.StatusCode)
	}

	post("/api/v1/claim", claimRequest{Username: "oracle"})
	v := next()
	for v.Username != "oracle" {
		v = next()
	}
	require.True(t, v.HasRecord)

	post("/api/v1/search", searchRequest{Kind: "phone", Value: "9876543210"})
	for v.Remaining != shared.DefaultDailyLimit-1 || len(v.History) != 1 {
		v = next()
	}
	require.Equal(t, "9876543210", v.History[0].QueryValue)
	require.Empty(t, v.Blacklist)

	// Changes to other addresses are not sent
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", "203.0.113.81", claimRequest{Username: "smith"}).Code)
	select {
	case other := <-views:
		require.Equal(t, addr, other.Address)
		require.Equal(t, "oracle", other.Username)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSessionStreamUnavailable(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/session/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestProviderFailuresReachTheCaller(t *testing.T) {
	ts := newTestServer(t)
	const addr = "203.0.113.90"
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/claim", addr, claimRequest{Username: "switch"}).Code)

	ts.phone.SetStatus("9000000000", http.StatusBadGateway)
	ts.phone.SetResponse("9000000000", map[string]any{"message": "upstream down"})
	w := ts.do(t, http.MethodPost, "/api/v1/search", addr, searchRequest{Kind: "phone", Value: "9000000000"})
	requireErrorCode(t, w, http.StatusBadGateway, apierr.CodeProvider)
	resp := decode[apierr.Response](t, w)
	require.Equal(t, "phone", resp.Provider)
	require.True(t, resp.Responded)

	// The provider answered, so the attempt is logged
	history, err := ts.db.HistoryEntryList(context.Background(), database.HistoryFilter{Address: addr})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "9000000000", history[0].QueryValue)

	// The failed search did not cost anything
	w = ts.do(t, http.MethodGet, "/api/v1/session", addr, nil)
	require.Equal(t, shared.DefaultDailyLimit, decode[propagator.View](t, w).Remaining)
}

func assertNoLeakedConnections(t *testing.T, db *database.DB) {
	stats, err := db.Stats()
	if err != nil {
		t.Fatal(err)
	}
	numConns := stats.OpenConnections
	if numConns > 1 {
		t.Fatalf("expected DB to have not leak connections, actually have %d", numConns)
	}
}
