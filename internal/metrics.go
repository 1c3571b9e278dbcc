package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts what the server has done since boot. Served as JSON from
// /metrics; counters reset with the process, like everything else here.
type Metrics struct {
	signups         atomic.Uint64
	logins          atomic.Uint64
	messages        atomic.Uint64
	privateMessages atomic.Uint64
	reactions       atomic.Uint64
	uploads         atomic.Uint64
	activeConns     atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) IncPrivateMessage() {
	m.privateMessages.Add(1)
}

func (m *Metrics) IncReaction() {
	m.reactions.Add(1)
}

func (m *Metrics) IncUpload() {
	m.uploads.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"signups_total":          m.signups.Load(),
		"logins_total":           m.logins.Load(),
		"messages_total":         m.messages.Load(),
		"private_messages_total": m.privateMessages.Load(),
		"reactions_total":        m.reactions.Load(),
		"uploads_total":          m.uploads.Load(),
		"active_connections":     m.activeConns.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
