// Package backend provides the interface and implementations the CLI runs searches through.
// It supports two backend types:
//   - HTTPBackend: talks to a lookupguard server (default)
//   - LocalBackend: runs the quota, interdiction and search logic in process against a store
package backend

import (
	"context"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/orchestrator"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/shared"
)

// Backend defines everything the CLI can ask of a lookupguard deployment.
type Backend interface {
	// Session returns the caller's current projection: address, username, remaining credits
	// and recent history.
	// For HTTP: GET /api/v1/session
	Session(ctx context.Context) (*propagator.View, error)

	// Claim binds username to the caller's address.
	// For HTTP: POST /api/v1/claim
	Claim(ctx context.Context, username string) (*shared.UsageRecord, error)

	// Search runs one guarded lookup.
	// For HTTP: POST /api/v1/search
	Search(ctx context.Context, kind shared.QueryKind, value string) (*orchestrator.Result, error)

	// Watch calls onView with the caller's projection, once immediately and again after every
	// change, until ctx is cancelled or the stream ends.
	// For HTTP: GET /api/v1/session/stream
	Watch(ctx context.Context, onView func(propagator.View)) error

	// Admin operations.
	// For HTTP: the /internal/api/v1/ endpoints, authenticated with the admin token
	ListUsers(ctx context.Context) ([]*shared.UserSummary, error)
	DeleteUser(ctx context.Context, address string) error
	AdjustLimit(ctx context.Context, address string, delta int) (*shared.UsageRecord, error)
	AdjustAllLimits(ctx context.Context, delta int, progress func(done, total int)) (int, error)
	ResetAll(ctx context.Context) (int64, error)
	ListHistory(ctx context.Context, filter database.HistoryFilter) ([]*shared.HistoryEntry, error)
	DeleteHistory(ctx context.Context, id string) error
	PurgeHistory(ctx context.Context, filter database.HistoryFilter) (int64, error)
	ListBlacklist(ctx context.Context) ([]*shared.BlacklistEntry, error)
	AddBlacklist(ctx context.Context, value string, kind shared.QueryKind, reason string) (*shared.BlacklistEntry, error)
	RemoveBlacklist(ctx context.Context, id string) error
	Stats(ctx context.Context) (database.Stats, error)

	// Close releases the backend's resources.
	Close() error

	// Type returns the backend type identifier ("http" or "local").
	Type() string
}

// BackendType represents the type of backend
type BackendType string

const (
	BackendTypeHTTP  BackendType = "http"
	BackendTypeLocal BackendType = "local"
)
