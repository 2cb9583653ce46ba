package server

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parakeetd/internal/health"
)

// NewMux assembles the HTTP surface: the WebSocket endpoint, the Prometheus
// scrape endpoint, and the health probes.
func NewMux(ws *WSHandler, probes *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", ws)
	mux.Handle("GET /metrics", promhttp.Handler())
	probes.Register(mux)
	return mux
}

// NewHTTPServer builds the http.Server for the gateway's HTTP/WS listener.
// ReadHeaderTimeout guards the handshake; streaming connections themselves
// are not deadline-bounded here.
func NewHTTPServer(addr string, handler http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
