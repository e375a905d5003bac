package propagator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ddworken/lookupguard/shared"
	"github.com/samber/lo"
)

// View is a point in time copy of a session's projection.
type View struct {
	Address       string                  `json:"address"`
	Username      string                  `json:"username"`
	HasRecord     bool                    `json:"has_record"`
	DailyLimit    int                     `json:"daily_limit"`
	SearchCount   int                     `json:"search_count"`
	LastResetDate string                  `json:"last_reset_date"`
	Remaining     int                     `json:"remaining"`
	History       []shared.HistoryEntry   `json:"history"`
	Blacklist     []shared.BlacklistEntry `json:"blacklist"`
}

// Projection is the local state of one session. Direct reads and subscription events both reach
// it through Apply, and applying the same event twice leaves it unchanged.
type Projection struct {
	address string
	clock   func() time.Time

	mu        sync.RWMutex
	record    *shared.UsageRecord
	username  string
	history   map[string]shared.HistoryEntry
	blacklist map[string]shared.BlacklistEntry
}

func NewProjection(address string, clock func() time.Time) *Projection {
	if clock == nil {
		clock = time.Now
	}
	return &Projection{
		address:   address,
		clock:     clock,
		history:   map[string]shared.HistoryEntry{},
		blacklist: map[string]shared.BlacklistEntry{},
	}
}

func (p *Projection) Address() string {
	return p.address
}

// Apply folds evt into the projection and reports whether anything visible changed. Usage and
// history events for other addresses are ignored.
func (p *Projection) Apply(evt shared.ChangeEvent) (bool, error) {
	switch evt.Table {
	case shared.TableUsageRecords:
		if evt.Address != p.address {
			return false, nil
		}
		return p.applyUsage(evt)
	case shared.TableHistoryEntries:
		if evt.Address != p.address {
			return false, nil
		}
		var row shared.HistoryEntry
		if err := evt.Row(&row); err != nil {
			return false, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return applyKeyed(p.history, row.Id, row, evt.Op, historyEqual), nil
	case shared.TableBlacklistEntries:
		var row shared.BlacklistEntry
		if err := evt.Row(&row); err != nil {
			return false, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return applyKeyed(p.blacklist, row.Id, row, evt.Op, blacklistEqual), nil
	default:
		return false, fmt.Errorf("unknown table %#v in change event", evt.Table)
	}
}

func (p *Projection) applyUsage(evt shared.ChangeEvent) (bool, error) {
	var next *shared.UsageRecord
	if evt.Op != shared.ChangeDelete && !(evt.Op == shared.ChangeSnapshot && len(evt.After) == 0) {
		var row shared.UsageRecord
		if err := evt.Row(&row); err != nil {
			return false, err
		}
		next = &row
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	changed := !usageEqual(p.record, next)
	p.record = next
	// The remote username wins whenever the store has one.
	if next != nil && next.Username != "" && next.Username != p.username {
		p.username = next.Username
		changed = true
	}
	return changed, nil
}

func applyKeyed[T any](rows map[string]T, id string, row T, op shared.ChangeOp, equal func(a, b T) bool) bool {
	existing, ok := rows[id]
	if op == shared.ChangeDelete {
		if !ok {
			return false
		}
		delete(rows, id)
		return true
	}
	if ok && equal(existing, row) {
		return false
	}
	rows[id] = row
	return true
}

func usageEqual(a, b *shared.UsageRecord) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Address == b.Address &&
		a.Username == b.Username &&
		a.DailyLimit == b.DailyLimit &&
		a.SearchCount == b.SearchCount &&
		a.LastResetDate == b.LastResetDate
}

func historyEqual(a, b shared.HistoryEntry) bool {
	return a.Id == b.Id && a.Timestamp.Equal(b.Timestamp) && a.Address == b.Address &&
		a.Username == b.Username && a.QueryValue == b.QueryValue && a.QueryKind == b.QueryKind
}

func blacklistEqual(a, b shared.BlacklistEntry) bool {
	return a.Id == b.Id && a.Value == b.Value && a.Kind == b.Kind && a.Reason == b.Reason &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func (p *Projection) Username() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.username
}

// Remaining is the number of searches left today as far as this session knows.
func (p *Projection) Remaining() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.record.Remaining(shared.Today(p.clock()))
}

func (p *Projection) View() View {
	p.mu.RLock()
	defer p.mu.RUnlock()

	v := View{
		Address:   p.address,
		Username:  p.username,
		Remaining: p.record.Remaining(shared.Today(p.clock())),
		History:   lo.Values(p.history),
		Blacklist: lo.Values(p.blacklist),
	}
	if p.record != nil {
		v.HasRecord = true
		v.DailyLimit = p.record.DailyLimit
		v.SearchCount = p.record.SearchCount
		v.LastResetDate = p.record.LastResetDate
	} else {
		v.DailyLimit = shared.DefaultDailyLimit
	}
	sort.Slice(v.History, func(i, j int) bool {
		return v.History[i].Timestamp.After(v.History[j].Timestamp)
	})
	sort.Slice(v.Blacklist, func(i, j int) bool {
		return v.Blacklist[i].CreatedAt.After(v.Blacklist[j].CreatedAt)
	})
	return v
}
