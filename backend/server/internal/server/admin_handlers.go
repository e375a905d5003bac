package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/araddon/dateparse"
	"github.com/ddworken/lookupguard/internal/apierr"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/shared"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

type adjustLimitRequest struct {
	Address string `json:"address"`
	Delta   int    `json:"delta"`
}

type blacklistRequest struct {
	Value  string `json:"value"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// withAdminAuth rejects requests that do not carry the configured bearer token. With no token
// configured the administrative surface is closed.
func (s *Server) withAdminAuth() Middleware {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"` + apierr.CodeUnauthorized + `","message":"admin token required"}` + "\n"))
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

func (s *Server) userSummaries(r *http.Request) []*shared.UserSummary {
	records, err := s.db.UsageRecordList(r.Context())
	checkGormError(err)
	today := s.today()
	return lo.Map(records, func(record *shared.UsageRecord, _ int) *shared.UserSummary {
		return &shared.UserSummary{
			UsageRecord: *record,
			Country:     s.locator.Country(record.Address),
			Remaining:   record.Remaining(today),
		}
	})
}

func (s *Server) adminUsersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.userSummaries(r))
	case http.MethodDelete:
		address, err := getRequiredQueryParam(r, "address")
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.db.UsageRecordDelete(r.Context(), address); err != nil {
			writeError(w, storeOr(err, "delete usage record"))
			return
		}
		s.logger(r).WithField("address", address).Info("deleted usage record")
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, requireMethod(r, http.MethodGet, http.MethodDelete))
	}
}

func (s *Server) adminAdjustLimitHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireMethod(r, http.MethodPost); err != nil {
		writeError(w, err)
		return
	}
	var req adjustLimitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.ledger.AdjustLimit(r.Context(), req.Address, req.Delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, record)
}

func (s *Server) adminAdjustAllLimitsHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireMethod(r, http.MethodPost); err != nil {
		writeError(w, err)
		return
	}
	var req adjustLimitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	adjusted, err := s.ledger.AdjustAllLimits(r.Context(), req.Delta, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger(r).WithFields(logrus.Fields{"delta": req.Delta, "adjusted": adjusted}).Info("adjusted all daily limits")
	writeJSON(w, map[string]int{"adjusted": adjusted})
}

func (s *Server) adminResetAllHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireMethod(r, http.MethodPost); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.ledger.ResetAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"reset": n})
}

func parseHistoryFilter(r *http.Request) (database.HistoryFilter, error) {
	q := r.URL.Query()
	filter := database.HistoryFilter{
		Search:  q.Get("search"),
		Address: q.Get("address"),
	}
	limit, err := getIntQueryParam(r, "limit", database.DefaultHistoryLimit)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	if since := q.Get("since"); since != "" {
		t, err := dateparse.ParseAny(since)
		if err != nil {
			return filter, &apierr.BadRequest{Msg: fmt.Sprintf("failed to parse since=%#v: %v", since, err)}
		}
		filter.Since = t
	}
	return filter, nil
}

func (s *Server) adminHistoryHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter, err := parseHistoryFilter(r)
		if err != nil {
			writeError(w, err)
			return
		}
		entries, err := s.db.HistoryEntryList(r.Context(), filter)
		checkGormError(err)
		writeJSON(w, entries)
	case http.MethodDelete:
		id, err := getRequiredQueryParam(r, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.db.HistoryEntryDelete(r.Context(), id); err != nil {
			writeError(w, storeOr(err, "delete history entry"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, requireMethod(r, http.MethodGet, http.MethodDelete))
	}
}

func (s *Server) adminHistoryPurgeHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireMethod(r, http.MethodPost); err != nil {
		writeError(w, err)
		return
	}
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.db.HistoryEntryPurge(r.Context(), filter)
	if err != nil {
		writeError(w, storeOr(err, "purge history"))
		return
	}
	s.logger(r).WithField("deleted", n).Info("purged history entries")
	writeJSON(w, map[string]int64{"deleted": n})
}

func (s *Server) adminBlacklistHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := s.filter.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, entries)
	case http.MethodPost:
		var req blacklistRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		kind, err := shared.ParseQueryKind(req.Kind)
		if err != nil {
			writeError(w, &apierr.BadRequest{Msg: err.Error()})
			return
		}
		if strings.TrimSpace(req.Value) == "" {
			writeError(w, &apierr.BadRequest{Msg: "cannot blacklist an empty value"})
			return
		}
		entry, err := s.filter.Add(r.Context(), req.Value, kind, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, entry)
	case http.MethodDelete:
		id, err := getRequiredQueryParam(r, "id")
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.filter.Remove(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, requireMethod(r, http.MethodGet, http.MethodPost, http.MethodDelete))
	}
}

// storeOr passes ErrNotFound through and wraps every other failure as a StoreError.
func storeOr(err error, op string) error {
	if err == nil || errors.Is(err, database.ErrNotFound) {
		return err
	}
	return database.NewStoreError(op, err)
}
