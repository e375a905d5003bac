package server

import (
	"fmt"
	"net/http"

	"github.com/rodaine/table"
)

func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	err := s.db.Ping()
	if err != nil {
		panic(fmt.Errorf("failed to ping DB: %w", err))
	}
	if s.isProductionEnvironment {
		_, err := s.db.CollectStats(r.Context(), s.today())
		checkGormError(err)
	}
	w.Write([]byte("OK"))
}

func (s *Server) usageStatsHandler(w http.ResponseWriter, r *http.Request) {
	summaries := s.userSummaries(r)

	tbl := table.New("Address", "Country", "Username", "Limit", "Count", "Last Reset", "Remaining")
	tbl.WithWriter(w)
	for _, u := range summaries {
		tbl.AddRow(
			u.Address,
			u.Country,
			u.Username,
			u.DailyLimit,
			u.SearchCount,
			u.LastResetDate,
			u.Remaining,
		)
	}
	tbl.Print()
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.CollectStats(r.Context(), s.today())
	checkGormError(err)

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, stats)
		return
	}
	_, _ = fmt.Fprintf(w, "Num users: %d\n", stats.TotalUsers)
	_, _ = fmt.Fprintf(w, "Active today: %d\n", stats.ActiveToday)
	_, _ = fmt.Fprintf(w, "Num history entries: %d\n", stats.HistoryEntries)
	_, _ = fmt.Fprintf(w, "Num blacklist entries: %d\n", stats.BlacklistEntries)
}

func (s *Server) getNumConnectionsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats()
	if err != nil {
		panic(err)
	}

	_, _ = fmt.Fprintf(w, "%#v", stats.OpenConnections)
}
