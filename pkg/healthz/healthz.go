// Package healthz serves the reflector's unauthenticated plain-HTTP
// liveness endpoint, separate from the mTLS control-plane listener.
package healthz

import (
	"encoding/json"
	"net/http"
	"time"
)

// Status is the JSON body returned by the health endpoint.
type Status struct {
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Load    float64 `json:"load"`
}

// LoadFunc returns the current load figure to report (e.g. 1-minute load
// average normalized by CPU count).
type LoadFunc func() float64

// NewHandler returns an http.Handler serving /health with a JSON status
// body, built from buildVersion and loadFn evaluated on each request.
func NewHandler(buildVersion string, loadFn LoadFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := Status{Status: "ok", Version: buildVersion, Load: loadFn()}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	})
	return mux
}

// Serve starts an HTTP server on addr with the given handler and blocks
// until ListenAndServe returns, returning its error.
func Serve(addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
