package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/shared"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

var (
	ErrAddressUnavailable = errors.New("network address unavailable")
	ErrIdentityRequired   = errors.New("a username must be claimed before searching")
	ErrUsernameTaken      = errors.New("username is already taken")
)

const DefaultDiscoveryURL = "https://api.ipify.org?format=json"

// AddressSource yields the network address a session is partitioned by.
type AddressSource interface {
	ResolveAddress(ctx context.Context) (string, error)
}

// Static is an address that is already known, e.g. taken from an incoming request.
type Static string

func (s Static) ResolveAddress(context.Context) (string, error) {
	addr := strings.TrimSpace(string(s))
	if addr == "" {
		return "", ErrAddressUnavailable
	}
	return addr, nil
}

// DiscoveryClient asks an external service which address the caller is seen as.
type DiscoveryClient struct {
	url    string
	client *http.Client
}

func NewDiscoveryClient(url string, client *http.Client) *DiscoveryClient {
	if url == "" {
		url = DefaultDiscoveryURL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DiscoveryClient{url: url, client: client}
}

type discoveryResponse struct {
	Ip string `json:"ip"`
}

func (c *DiscoveryClient) ResolveAddress(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: discovery service returned status %d", ErrAddressUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAddressUnavailable, err)
	}
	var parsed discoveryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: malformed discovery response: %v", ErrAddressUnavailable, err)
	}
	addr := strings.TrimSpace(parsed.Ip)
	if net.ParseIP(addr) == nil {
		return "", fmt.Errorf("%w: discovery service returned %#v", ErrAddressUnavailable, parsed.Ip)
	}
	return addr, nil
}

type Store interface {
	UsageRecordFind(ctx context.Context, address string) (*shared.UsageRecord, error)
	UsageRecordFindByUsername(ctx context.Context, username string) ([]*shared.UsageRecord, error)
	UsageRecordSetUsername(ctx context.Context, address, username, today string) (*shared.UsageRecord, error)
}

type ClaimResult int

const (
	Accepted ClaimResult = iota
	Taken
)

func (c ClaimResult) String() string {
	if c == Taken {
		return "taken"
	}
	return "accepted"
}

type Resolver struct {
	store Store
	log   logrus.FieldLogger
}

func NewResolver(store Store, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Resolver{store: store, log: log.WithField("component", "identity")}
}

// CheckUsername reports whether address may use desired. Two addresses racing for the same name
// can both be accepted, the store offers no conditional write to prevent it.
func (r *Resolver) CheckUsername(ctx context.Context, address, desired string) (ClaimResult, error) {
	name := strings.TrimSpace(desired)
	if name == "" {
		return Taken, ErrIdentityRequired
	}
	owners, err := r.store.UsageRecordFindByUsername(ctx, name)
	if err != nil {
		return Taken, database.NewStoreError("username lookup", err)
	}
	foreign := lo.Filter(owners, func(rec *shared.UsageRecord, _ int) bool {
		return rec.Address != address
	})
	if len(foreign) > 0 {
		return Taken, nil
	}
	return Accepted, nil
}

// ClaimUsername binds desired to address. A name held by another address fails with
// ErrUsernameTaken and leaves the caller's record untouched.
func (r *Resolver) ClaimUsername(ctx context.Context, address, desired, today string) (*shared.UsageRecord, error) {
	if address == "" {
		return nil, ErrAddressUnavailable
	}
	result, err := r.CheckUsername(ctx, address, desired)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(desired)
	if result == Taken {
		r.log.WithFields(logrus.Fields{"address": address, "username": name}).Info("username collision")
		return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, name)
	}
	record, err := r.store.UsageRecordSetUsername(ctx, address, name, today)
	if err != nil {
		return nil, database.NewStoreError("claim username", err)
	}
	return record, nil
}

// Username returns the name currently bound to address, or "" when none is.
func (r *Resolver) Username(ctx context.Context, address string) (string, error) {
	record, err := r.store.UsageRecordFind(ctx, address)
	if err != nil {
		return "", database.NewStoreError("username read", err)
	}
	if record == nil {
		return "", nil
	}
	return record.Username, nil
}
