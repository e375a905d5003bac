package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/interdiction"
	"github.com/ddworken/lookupguard/internal/ledger"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/internal/providers"
	"github.com/ddworken/lookupguard/shared"
	"github.com/ddworken/lookupguard/shared/testutils"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

const testToday = "2024-05-02"

// spyStore records the ledger calls so the order of allowance checks and consumes can be checked.
type spyStore struct {
	*database.DB

	mu    sync.Mutex
	calls []string
}

func (s *spyStore) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *spyStore) UsageRecordFind(ctx context.Context, address string) (*shared.UsageRecord, error) {
	s.record("find")
	return s.DB.UsageRecordFind(ctx, address)
}

func (s *spyStore) UsageRecordConsume(ctx context.Context, address, today string) (*shared.UsageRecord, error) {
	s.record("consume")
	return s.DB.UsageRecordConsume(ctx, address, today)
}

func (s *spyStore) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.calls...)
}

type harness struct {
	db      *database.DB
	spy     *spyStore
	phone   *testutils.FakeProvider
	vehicle *testutils.FakeProvider
	filter  *interdiction.Filter
	o       *Orchestrator
}

func newHarness(t *testing.T, delay interdiction.Delay) *harness {
	db := testutils.OpenTestDB(t)
	spy := &spyStore{DB: db}
	phone := testutils.RunFakePhoneProvider(t)
	vehicle := testutils.RunFakeVehicleProvider(t)
	filter := interdiction.New(db, interdiction.WithDelay(delay))
	o := New(
		identity.NewResolver(db, nil),
		ledger.New(spy),
		filter,
		db,
		providers.NewPhoneClient(phone.URL(), nil),
		providers.NewVehicleClient(vehicle.URL(), "", nil),
		WithClock(func() time.Time { return testNow }),
	)
	return &harness{db: db, spy: spy, phone: phone, vehicle: vehicle, filter: filter, o: o}
}

// unreachableURL points at a server that has already shut down.
func unreachableURL() string {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return srv.URL
}

func (h *harness) claim(t *testing.T, address, username string) {
	_, err := identity.NewResolver(h.db, nil).ClaimUsername(context.Background(), address, username, testToday)
	require.NoError(t, err)
}

func (h *harness) history(t *testing.T, address string) []*shared.HistoryEntry {
	entries, err := h.db.HistoryEntryList(context.Background(), database.HistoryFilter{Address: address})
	require.NoError(t, err)
	return entries
}

func (h *harness) record(t *testing.T, address string) *shared.UsageRecord {
	record, err := h.db.UsageRecordFind(context.Background(), address)
	require.NoError(t, err)
	return record
}

func TestSearchFreshAddressExhaustsAfterThree(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})
	h.claim(t, "10.0.0.1", "agent7")
	sess := Session{Source: identity.Static("10.0.0.1")}

	for i := 1; i <= 3; i++ {
		res, err := h.o.Search(ctx, sess, shared.QueryKindPhone, "9876543210")
		require.NoError(t, err)
		require.Equal(t, 3-i, res.Remaining)
		require.Equal(t, i, h.record(t, "10.0.0.1").SearchCount)
	}

	_, err := h.o.Search(ctx, sess, shared.QueryKindPhone, "9876543210")
	require.ErrorIs(t, err, ledger.ErrQuotaExceeded)
	require.Equal(t, 3, h.phone.Calls())
	require.Equal(t, 3, h.record(t, "10.0.0.1").SearchCount)
	require.Len(t, h.history(t, "10.0.0.1"), 3)
}

func TestSearchExhaustedYesterday(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})
	h.claim(t, "10.0.0.1", "agent7")
	require.NoError(t, h.db.Model(&shared.UsageRecord{}).Where("address = ?", "10.0.0.1").
		Updates(map[string]any{"search_count": 3, "last_reset_date": "2024-05-01"}).Error)

	res, err := h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindVehicle, "KA01AB1234")
	// The fake registry does not know this plate, but it answered, so nothing is consumed
	var perr *providers.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Nil(t, res)
	require.Equal(t, 3, h.record(t, "10.0.0.1").SearchCount)

	h.vehicle.SetResponse("KA01AB1234", map[string]any{"status": "success", "details": map[string]any{"owner": "B"}})
	res, err = h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindVehicle, "KA01AB1234")
	require.NoError(t, err)
	require.Equal(t, "B", res.Vehicle.Details["owner"])
	record := h.record(t, "10.0.0.1")
	require.Equal(t, 1, record.SearchCount)
	require.Equal(t, testToday, record.LastResetDate)
	require.Equal(t, 2, res.Remaining)
}

func TestSearchInterdictedPhone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{Base: 30 * time.Millisecond})
	h.claim(t, "10.0.0.1", "agent7")
	_, err := h.filter.Add(ctx, "9999999999", shared.QueryKindPhone, "")
	require.NoError(t, err)

	start := time.Now()
	res, err := h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "9999999999")
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, providers.EmptyPhoneResult(), res.Phone)
	require.Nil(t, res.Linked)
	require.Equal(t, shared.DefaultDailyLimit-1, res.Remaining)

	require.Equal(t, 0, h.phone.Calls())
	require.NotContains(t, h.spy.Calls(), "consume")
	require.Equal(t, 0, h.record(t, "10.0.0.1").SearchCount)
	entries := h.history(t, "10.0.0.1")
	require.Len(t, entries, 1)
	require.Equal(t, "9999999999", entries[0].QueryValue)
	require.Equal(t, "agent7", entries[0].Username)
}

func TestSearchInterdictedAcrossKinds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})
	h.claim(t, "10.0.0.1", "agent7")
	_, err := h.filter.Add(ctx, "KA01AB1234", shared.QueryKindPhone, "")
	require.NoError(t, err)
	h.vehicle.SetResponse("KA01AB1234", map[string]any{"status": "success", "details": map[string]any{"owner": "B"}})

	_, err = h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindVehicle, "KA01AB1234")
	require.Equal(t, providers.VehicleNotFound().Error(), err.Error())
	require.Equal(t, 0, h.vehicle.Calls())
	require.Len(t, h.history(t, "10.0.0.1"), 1)
	require.NotContains(t, h.spy.Calls(), "consume")
}

func TestSearchProviderFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})
	h.claim(t, "10.0.0.1", "agent7")
	h.phone.SetStatus("9876543210", http.StatusBadGateway)

	// An error status is a provider answer: logged, not consumed
	_, err := h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "9876543210")
	var perr *providers.ProviderError
	require.ErrorAs(t, err, &perr)
	require.True(t, perr.Responded)
	require.Equal(t, http.StatusBadGateway, perr.StatusCode)
	require.Len(t, h.history(t, "10.0.0.1"), 1)
	require.NotContains(t, h.spy.Calls(), "consume")

	h.phone.SetResponse("1111111111", map[string]any{"error": "invalid number"})
	_, err = h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "1111111111")
	require.ErrorAs(t, err, &perr)
	require.True(t, perr.Responded)
	require.Len(t, h.history(t, "10.0.0.1"), 2)
	require.NotContains(t, h.spy.Calls(), "consume")

	// No answer at all leaves no trace
	h.o.phone = providers.NewPhoneClient(unreachableURL(), nil)
	_, err = h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "2222222222")
	require.ErrorAs(t, err, &perr)
	require.False(t, perr.Responded)
	require.Len(t, h.history(t, "10.0.0.1"), 2)
	require.NotContains(t, h.spy.Calls(), "consume")
	require.Equal(t, 0, h.record(t, "10.0.0.1").SearchCount)
}

func TestSearchRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})

	_, err := h.o.Search(ctx, Session{Source: identity.Static("")}, shared.QueryKindPhone, "9876543210")
	require.ErrorIs(t, err, identity.ErrAddressUnavailable)

	unreachable := identity.NewDiscoveryClient("http://127.0.0.1:1/", nil)
	_, err = h.o.Search(ctx, Session{Source: unreachable}, shared.QueryKindPhone, "9876543210")
	require.ErrorIs(t, err, identity.ErrAddressUnavailable)

	_, err = h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "9876543210")
	require.ErrorIs(t, err, identity.ErrIdentityRequired)

	require.Equal(t, 0, h.phone.Calls())
	require.Empty(t, h.spy.Calls())
}

func TestSearchConsumeFollowsAllowance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})
	h.claim(t, "10.0.0.1", "agent7")
	_, err := h.filter.Add(ctx, "9999999999", shared.QueryKindPhone, "")
	require.NoError(t, err)
	h.phone.SetStatus("2222222222", http.StatusInternalServerError)

	sess := Session{Source: identity.Static("10.0.0.1")}
	for _, value := range []string{"9876543210", "9999999999", "2222222222", "9876543211", "9876543212", "9876543213"} {
		_, _ = h.o.Search(ctx, sess, shared.QueryKindPhone, value)
	}

	calls := h.spy.Calls()
	for i, call := range calls {
		if call == "consume" {
			require.Greater(t, i, 0)
			require.Equal(t, "find", calls[i-1])
		}
	}
	require.Equal(t, 3, h.record(t, "10.0.0.1").SearchCount)
}

func TestSearchLinkedNumber(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})
	h.claim(t, "10.0.0.1", "agent7")
	h.phone.SetResponse("9876543210", map[string]any{
		"result_count": 1,
		"result": []any{map[string]any{
			"name":      "A",
			"mobile":    "+91 98765 43210",
			"alt_phone": "91234-56789",
		}},
	})
	h.phone.SetResponse("9123456789", map[string]any{"result_count": 1, "result": []any{map[string]any{"name": "C"}}})

	res, err := h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "9876543210")
	require.NoError(t, err)
	require.NotNil(t, res.Linked)
	require.Equal(t, "9123456789", res.Linked.Number)
	require.Equal(t, "C", res.Linked.Phone.Result[0]["name"])
	// The secondary lookup is free and unlogged
	require.Equal(t, 1, h.record(t, "10.0.0.1").SearchCount)
	require.Len(t, h.history(t, "10.0.0.1"), 1)

	h.phone.SetResponse("9876543219", map[string]any{
		"result_count": 1,
		"result":       []any{map[string]any{"alt": "9000000001"}},
	})
	h.phone.SetStatus("9000000001", http.StatusInternalServerError)
	res, err = h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "9876543219")
	require.NoError(t, err)
	require.Nil(t, res.Linked)
	require.Equal(t, 2, h.record(t, "10.0.0.1").SearchCount)
}

func TestFindLinkedNumber(t *testing.T) {
	testcases := []struct {
		name    string
		queried string
		record  map[string]any
		want    string
	}{
		{"no phone fields", "9876543210", map[string]any{"name": "9123456789"}, ""},
		{"same number", "9876543210", map[string]any{"mobile": "98765-43210"}, ""},
		{"too short", "9876543210", map[string]any{"phone": "12345"}, ""},
		{"alternate", "9876543210", map[string]any{"AltMobile": "(912) 345-6789"}, "9123456789"},
		{"numeric", "9876543210", map[string]any{"phone_no": float64(9123456789)}, "9123456789"},
		{"not a scalar", "9876543210", map[string]any{"phones": []any{"9123456789"}}, ""},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := FindLinkedNumber(tc.queried, &providers.PhoneResult{ResultCount: 1, Result: []map[string]any{tc.record}})
			require.Equal(t, tc.want != "", ok)
			require.Equal(t, tc.want, got)
		})
	}
	_, ok := FindLinkedNumber("9876543210", nil)
	require.False(t, ok)
}

func TestSearchUpdatesSessionProjection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, interdiction.Delay{})
	bus := propagator.NewBus(nil)
	defer bus.Close()
	h.db.SetChangeSink(bus)
	h.claim(t, "10.0.0.1", "agent7")

	proj := propagator.NewProjection("10.0.0.1", func() time.Time { return testNow })
	w, err := propagator.Watch(ctx, bus, proj, nil, nil)
	require.NoError(t, err)
	w.Prime(h.record(t, "10.0.0.1"))
	require.Equal(t, "agent7", proj.Username())

	_, err = h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1"), Watcher: w}, shared.QueryKindPhone, "9876543210")
	require.NoError(t, err)
	require.Equal(t, 2, proj.Remaining())
	require.Len(t, proj.View().History, 1)
}

type failingHistory struct{}

func (failingHistory) HistoryEntryCreate(context.Context, *shared.HistoryEntry) error {
	return errors.New("disk full")
}

func TestSearchSurfacesHistoryWriteFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, interdiction.Delay{})
	h.claim(t, "10.0.0.1", "agent7")
	h.o.history = failingHistory{}

	_, err := h.o.Search(ctx, Session{Source: identity.Static("10.0.0.1")}, shared.QueryKindPhone, "9876543210")
	var serr *database.StoreError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, 1, h.record(t, "10.0.0.1").SearchCount)
}
