package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func BackupAndRestoreEnv(k string) func() {
	origValue := os.Getenv(k)
	return func() {
		if origValue == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, origValue)
		}
	}
}

// OpenTestDB returns a private in-memory database with all tables created.
func OpenTestDB(t testing.TB) *database.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_journal_mode=WAL", uuid.Must(uuid.NewRandom()).String())
	db, err := database.OpenSQLite(dsn, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	underlyingDb, err := db.DB.DB()
	require.NoError(t, err)
	underlyingDb.SetMaxOpenConns(1)
	require.NoError(t, db.AddDatabaseTables())
	t.Cleanup(func() { db.Close() })
	return db
}

var fakeHistoryTimestamp int64 = 1714644000

func MakeFakeHistoryEntry(address, value string, kind shared.QueryKind) *shared.HistoryEntry {
	fakeHistoryTimestamp += 5
	return &shared.HistoryEntry{
		Id:         uuid.Must(uuid.NewRandom()).String(),
		Timestamp:  time.Unix(fakeHistoryTimestamp, 0).UTC(),
		Address:    address,
		Username:   "agent7",
		QueryValue: value,
		QueryKind:  kind,
	}
}

// RunFakeDiscovery serves {"ip": ip} like the public address discovery service.
func RunFakeDiscovery(t testing.TB, ip string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"ip": ip})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// FakeProvider is a scriptable stand-in for the phone and vehicle lookup services. Responses are
// keyed by the queried value; unknown values get Default.
type FakeProvider struct {
	Server *httptest.Server

	mu        sync.Mutex
	responses map[string]any
	statuses  map[string]int
	queries   []string
	calls     atomic.Int64
	Default   any
}

func RunFakePhoneProvider(t testing.TB) *FakeProvider {
	p := &FakeProvider{
		responses: map[string]any{},
		statuses:  map[string]int{},
		Default:   map[string]any{"result_count": 0, "result": []any{}},
	}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PhoneNumber string `json:"phoneNumber"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.respond(w, req.PhoneNumber)
	}))
	t.Cleanup(p.Server.Close)
	return p
}

func RunFakeVehicleProvider(t testing.TB) *FakeProvider {
	p := &FakeProvider{
		responses: map[string]any{},
		statuses:  map[string]int{},
		Default:   map[string]any{"status": "failed", "error": "Vehicle not found in registry"},
	}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.respond(w, r.URL.Query().Get("rc_number"))
	}))
	t.Cleanup(p.Server.Close)
	return p
}

func (p *FakeProvider) respond(w http.ResponseWriter, value string) {
	p.calls.Add(1)
	p.mu.Lock()
	p.queries = append(p.queries, value)
	resp, ok := p.responses[value]
	if !ok {
		resp = p.Default
	}
	status, ok := p.statuses[value]
	if !ok {
		status = http.StatusOK
	}
	p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (p *FakeProvider) SetResponse(value string, resp any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[value] = resp
}

func (p *FakeProvider) SetStatus(value string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[value] = status
}

func (p *FakeProvider) Calls() int {
	return int(p.calls.Load())
}

func (p *FakeProvider) Queries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queries...)
}

func (p *FakeProvider) URL() string {
	return p.Server.URL
}
