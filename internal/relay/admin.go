// internal/relay/admin.go
// The administrative side channel (spec.md §6): read-only status/session
// queries and a small set of mutations (disconnect agent, clean up orphan
// ports), mounted alongside /metrics on the relay's metrics address. These
// go through the same registries as the control dispatcher, so no separate
// serialization boundary is introduced.
package relay

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type sessionStatus struct {
	AgentID    string `json:"agentId"`
	RemoteAddr string `json:"remoteAddr"`
	Ports      []int  `json:"ports"`
}

type statusResponse struct {
	Sessions    []sessionStatus `json:"sessions"`
	Ports       int             `json:"ports"`
	Connections int             `json:"connections"`
}

func (r *Relay) startAdmin() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/status", r.handleAdminStatus)
	mux.HandleFunc("/admin/disconnect", r.handleAdminDisconnect)
	mux.HandleFunc("/admin/cleanup", r.handleAdminCleanup)

	srv := &http.Server{Addr: r.cfg.MetricsAddr, Handler: mux}
	r.adminServer = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Warn("admin server stopped", zap.Error(err))
		}
	}()
}

func (r *Relay) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Ports: r.ports.Len(), Connections: r.conns.Len()}
	for _, s := range r.sessions.All() {
		resp.Sessions = append(resp.Sessions, sessionStatus{
			AgentID:    s.AgentID,
			RemoteAddr: s.RemoteAddr(),
			Ports:      s.Ports(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (r *Relay) handleAdminDisconnect(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agentID := req.URL.Query().Get("agentId")
	sess, ok := r.sessions.Remove(agentID)
	if !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	r.cascadeRemoveSession(sess)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Relay) handleAdminCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cleaned []int
	for port, agentID := range r.ports.All() {
		if _, ok := r.sessions.Get(agentID); ok {
			continue
		}
		_ = r.ports.Unregister(port, agentID)
		r.stopProxy(port)
		cleaned = append(cleaned, port)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"cleaned": cleaned})
}
