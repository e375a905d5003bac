package shared

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateOnly = "2006-01-02"

	DefaultDailyLimit = 3
)

type QueryKind string

const (
	QueryKindPhone   QueryKind = "phone"
	QueryKindVehicle QueryKind = "vehicle"
)

func ParseQueryKind(s string) (QueryKind, error) {
	switch QueryKind(strings.ToLower(strings.TrimSpace(s))) {
	case QueryKindPhone:
		return QueryKindPhone, nil
	case QueryKindVehicle:
		return QueryKindVehicle, nil
	default:
		return "", fmt.Errorf("unknown query kind %#v, expected phone or vehicle", s)
	}
}

// UsageRecord is the per-address quota row. SearchCount only applies to LastResetDate, a
// record with an older date is treated as having consumed nothing today.
type UsageRecord struct {
	Address       string    `json:"address" gorm:"primaryKey"`
	Username      string    `json:"username" gorm:"index:usage_username_idx"`
	DailyLimit    int       `json:"daily_limit" gorm:"not null"`
	SearchCount   int       `json:"search_count" gorm:"not null"`
	LastResetDate string    `json:"last_reset_date" gorm:"not null"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewUsageRecord(address, today string) *UsageRecord {
	return &UsageRecord{
		Address:       address,
		DailyLimit:    DefaultDailyLimit,
		LastResetDate: today,
	}
}

// EffectiveCount is the number of units consumed on the given day.
func (r *UsageRecord) EffectiveCount(today string) int {
	if r == nil || r.LastResetDate != today {
		return 0
	}
	return r.SearchCount
}

// Remaining is the number of searches still available on the given day.
func (r *UsageRecord) Remaining(today string) int {
	if r == nil {
		return DefaultDailyLimit
	}
	return max(0, r.DailyLimit-r.EffectiveCount(today))
}

// UserSummary is a UsageRecord as listed to administrators.
type UserSummary struct {
	UsageRecord
	Country   string `json:"country"`
	Remaining int    `json:"remaining"`
}

type HistoryEntry struct {
	Id         string    `json:"id" gorm:"primaryKey"`
	Timestamp  time.Time `json:"timestamp" gorm:"not null"`
	Address    string    `json:"address" gorm:"not null"`
	Username   string    `json:"username"`
	QueryValue string    `json:"query_value" gorm:"not null"`
	QueryKind  QueryKind `json:"query_kind" gorm:"not null"`
}

type BlacklistEntry struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	Value     string    `json:"value" gorm:"not null;uniqueIndex:blacklist_value_idx"`
	Kind      QueryKind `json:"kind" gorm:"not null"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

// Today returns the UTC calendar date used as the quota day.
func Today(now time.Time) string {
	return now.UTC().Format(DateOnly)
}

func Chunks[k any](slice []k, chunkSize int) [][]k {
	var chunks [][]k
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
