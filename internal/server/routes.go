// Package server wires HTTP handlers into a ServeMux for the gateway via
// routing helpers.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns an HTTP ServeMux with all gateway routes.
// It sets up handlers for health check, WebSocket endpoint, metrics, and test page.
func SetupRoutes(g *Gateway) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.HandleFunc("/test", TestPageHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(g.srv.Registry(), promhttp.HandlerOpts{}))
	return mux
}
