// Package debugserver exposes the end-of-session statistics described
// in spec.md §7 ("hit rate, estimated bandwidth saved, entries loaded
// from disk") as a small JSON HTTP endpoint. Routed with
// github.com/gorilla/mux and logged with github.com/gorilla/handlers,
// mirroring the teacher's internal/routing registration pattern of one
// named handler per concern (ConfigHandlerPath/PingHandlerPath).
package debugserver

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/nickcrabtree/tigervnc-contentcache/internal/util/log"
)

// StatsPath and HealthPath are the routes this server registers,
// named the way the teacher names its ConfigHandlerPath/PingHandlerPath
// constants.
const (
	StatsPath  = "/cache/stats"
	HealthPath = "/cache/health"
)

// StatsProvider supplies the current snapshot to serve at StatsPath.
// A connection (or a process managing several) implements this over
// its client.Cache/catalog.Catalog instances.
type StatsProvider func() Snapshot

// Snapshot is the JSON body served at StatsPath, matching spec.md §7's
// "User-visible behavior" paragraph.
type Snapshot struct {
	HitRate           float64 `json:"hit_rate"`
	BandwidthSavedPct float64 `json:"bandwidth_saved_pct"`
	EntriesFromDisk   int     `json:"entries_from_disk"`
	PendingEvictions  int     `json:"pending_evictions"`
	Broken            bool    `json:"broken"`
}

// New builds an http.Handler serving StatsPath and HealthPath, wrapped
// in the teacher's combined-log-format request logger.
func New(provider StatsProvider, logger log.Logger) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	r := mux.NewRouter()
	r.HandleFunc(StatsPath, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider()); err != nil {
			logger.Warn("debugserver: encoding stats failed", log.Pairs{"error": err.Error()})
		}
	}).Methods(http.MethodGet)
	r.HandleFunc(HealthPath, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return handlers.CombinedLoggingHandler(nopWriteCloser{logger}, r)
}

// nopWriteCloser adapts the injected Logger to the io.Writer
// CombinedLoggingHandler expects for its access-log stream, routing
// every access line through the same sink as the rest of the cache
// subsystem rather than opening a second file handle.
type nopWriteCloser struct {
	logger log.Logger
}

func (n nopWriteCloser) Write(p []byte) (int, error) {
	n.logger.Debug(string(p), nil)
	return len(p), nil
}
