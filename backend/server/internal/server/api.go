package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ddworken/lookupguard/internal/apierr"
	"github.com/ddworken/lookupguard/internal/database"
	"github.com/ddworken/lookupguard/internal/identity"
	"github.com/ddworken/lookupguard/internal/orchestrator"
	"github.com/ddworken/lookupguard/internal/propagator"
	"github.com/ddworken/lookupguard/shared"
	"github.com/sirupsen/logrus"
)

type claimRequest struct {
	Username string `json:"username"`
}

type searchRequest struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

func (s *Server) requestAddress(r *http.Request) (string, error) {
	return identity.Static(s.clientAddress(r)).ResolveAddress(r.Context())
}

// publicView is the projection as shown to the session itself. Blacklist rows are never sent to
// callers.
func publicView(v propagator.View) propagator.View {
	v.Blacklist = nil
	return v
}

func (s *Server) apiSessionHandler(w http.ResponseWriter, r *http.Request) {
	address, err := s.requestAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.db.UsageRecordFind(r.Context(), address)
	if err != nil {
		writeError(w, database.NewStoreError("session read", err))
		return
	}
	proj := propagator.NewProjection(address, s.clock)
	if _, err := proj.Apply(shared.SnapshotEvent(address, record)); err != nil {
		panic(err)
	}
	writeJSON(w, publicView(proj.View()))
}

func (s *Server) apiClaimHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireMethod(r, http.MethodPost); err != nil {
		writeError(w, err)
		return
	}
	address, err := s.requestAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.resolver.ClaimUsername(r.Context(), address, req.Username, s.today())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, record)
}

func (s *Server) apiSearchHandler(w http.ResponseWriter, r *http.Request) {
	if err := requireMethod(r, http.MethodPost); err != nil {
		writeError(w, err)
		return
	}
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	kind, err := shared.ParseQueryKind(req.Kind)
	if err != nil {
		writeError(w, &apierr.BadRequest{Msg: err.Error()})
		return
	}
	sess := orchestrator.Session{Source: identity.Static(s.clientAddress(r))}
	res, err := s.orch.Search(r.Context(), sess, kind, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// apiSessionStreamHandler writes the session's projection as newline delimited JSON, once on
// connect and again after every change that affects it.
func (s *Server) apiSessionStreamHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address, err := s.requestAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok || s.subscriber == nil {
		http.Error(w, "session streaming is not available", http.StatusNotImplemented)
		return
	}

	updates := make(chan propagator.View, 1)
	onChange := func(v propagator.View) {
		// Keep only the newest view; the writer below may be slower than the event rate.
		select {
		case <-updates:
		default:
		}
		updates <- v
	}
	proj := propagator.NewProjection(address, s.clock)
	watcher, err := propagator.Watch(ctx, s.subscriber, proj, onChange, s.log)
	if err != nil {
		panic(fmt.Errorf("failed to subscribe to changes: %w", err))
	}

	record, err := s.db.UsageRecordFind(ctx, address)
	if err != nil {
		writeError(w, database.NewStoreError("session read", err))
		return
	}
	watcher.Prime(record)
	history, err := s.db.HistoryEntryList(ctx, database.HistoryFilter{Address: address})
	if err != nil {
		writeError(w, database.NewStoreError("history read", err))
		return
	}
	propagator.PrimeRows(watcher, shared.TableHistoryEntries, address, history)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	write := func(v propagator.View) bool {
		if err := enc.Encode(publicView(v)); err != nil {
			s.log.WithError(err).WithField("address", address).Debug("session stream closed")
			return false
		}
		flusher.Flush()
		return true
	}
	select {
	case <-updates:
	default:
	}
	if !write(proj.View()) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Done():
			return
		case v := <-updates:
			if !write(v) {
				return
			}
		}
	}
}

func (s *Server) logger(r *http.Request) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{"remote_addr": getRemoteAddr(r), "path": r.URL.Path})
}
