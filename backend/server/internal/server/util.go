package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	pprofhttp "net/http/pprof"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/ddworken/lookupguard/internal/apierr"
	httptrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/net/http"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"
)

const versionHeader = "X-Lookupguard-Version"

func configureObservability(mux *httptrace.ServeMux, releaseVersion string) func() {
	// Profiler
	err := profiler.Start(
		profiler.WithService("lookupguard-api"),
		profiler.WithVersion(releaseVersion),
		profiler.WithAPIKey(os.Getenv("DD_API_KEY")),
		profiler.WithUDS("/var/run/datadog/apm.socket"),
		profiler.WithProfileTypes(
			profiler.CPUProfile,
			profiler.HeapProfile,
		),
	)
	if err != nil {
		fmt.Printf("Failed to start DataDog profiler: %v\n", err)
	}
	// Tracer
	tracer.Start(
		tracer.WithRuntimeMetrics(),
		tracer.WithService("lookupguard-api"),
		tracer.WithUDS("/var/run/datadog/apm.socket"),
	)

	// Pprof
	mux.HandleFunc("/debug/pprof/", pprofhttp.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprofhttp.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprofhttp.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprofhttp.Trace)

	// Func to stop all of the above
	return func() {
		profiler.Stop()
		tracer.Stop()
	}
}

func getClientVersion(r *http.Request) string {
	return r.Header.Get(versionHeader)
}

// getRemoteAddr is the address reported in request logs. Proxy headers win over the socket peer
// and are not verified.
func getRemoteAddr(r *http.Request) string {
	addr, ok := r.Header["X-Real-Ip"]
	if ok && len(addr) > 0 && strings.TrimSpace(addr[0]) != "" {
		return strings.TrimSpace(addr[0])
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	return getPeerAddr(r)
}

func getPeerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientAddress is the address a request is partitioned by. Proxy headers are only honored when
// the socket peer is a trusted proxy. An empty result means the address is unavailable.
func (s *Server) clientAddress(r *http.Request) string {
	peer := getPeerAddr(r)
	ip := net.ParseIP(peer)
	if ip == nil {
		return peer
	}
	for _, network := range s.trustedProxies {
		if network.Contains(ip) {
			return getRemoteAddr(r)
		}
	}
	return peer
}

func getRequiredQueryParam(r *http.Request, queryParam string) (string, error) {
	val := r.URL.Query().Get(queryParam)
	if val == "" {
		return "", &apierr.BadRequest{Msg: fmt.Sprintf("request to %s is missing required query param=%#v", r.URL.Path, queryParam)}
	}
	return val, nil
}

func getIntQueryParam(r *http.Request, queryParam string, fallback int) (int, error) {
	val := r.URL.Query().Get(queryParam)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, &apierr.BadRequest{Msg: fmt.Sprintf("query param %#v must be an integer, got %#v", queryParam, val)}
	}
	return n, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v); err != nil {
		return &apierr.BadRequest{Msg: fmt.Sprintf("failed to decode request body: %v", err)}
	}
	return nil
}

func requireMethod(r *http.Request, methods ...string) error {
	for _, m := range methods {
		if r.Method == m {
			return nil
		}
	}
	return &apierr.BadRequest{Msg: fmt.Sprintf("method %s is not supported by %s", r.Method, r.URL.Path)}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(fmt.Errorf("failed to JSON marshal the response: %w", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	apierr.Write(w, err)
}

func checkGormError(err error) {
	if err == nil {
		return
	}

	_, filename, line, _ := runtime.Caller(1)
	panic(fmt.Sprintf("DB error at %s:%d: %v", filename, line, err))
}
