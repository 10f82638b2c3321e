package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
	"github.com/ryandielhenn/zephyrsync/pkg/view"
)

// MaxLocalPayload bounds the body of PUT /local/{component}.
const MaxLocalPayload = 1 << 20

// Handler returns the node's HTTP API.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /view", telemetry.Instrument("view", http.HandlerFunc(n.ViewJSON)))
	mux.Handle("GET /local/{component}", telemetry.Instrument("get_local", http.HandlerFunc(n.GetLocal)))
	mux.Handle("PUT /local/{component}", telemetry.Instrument("put_local", http.HandlerFunc(n.PutLocal)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type infoResponse struct {
	ID        syncer.NodeID   `json:"id"`
	Addr      string          `json:"addr"`
	PID       int             `json:"pid"`
	Now       time.Time       `json:"now"`
	Uptime    string          `json:"uptime"`
	Sessions  []syncer.NodeID `json:"sessions"`
	Versions  int             `json:"versions"`
	ViewItems int             `json:"view_items"`
	ViewBytes int             `json:"view_bytes"`
}

// Info writes the node's identity, its peers and the size of its state.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	n.writeJSON(w, http.StatusOK, infoResponse{
		ID:        n.id,
		Addr:      n.addr,
		PID:       os.Getpid(),
		Now:       time.Now(),
		Uptime:    time.Since(n.started).Round(time.Second).String(),
		Sessions:  n.sync.Sessions(),
		Versions:  len(n.sync.Versions()),
		ViewItems: n.view.Len(),
		ViewBytes: n.view.Bytes(),
	})
}

type viewResponse struct {
	NodeID syncer.NodeID `json:"node_id"`
	Local  []view.Entry  `json:"local"`
	Remote []view.Entry  `json:"remote"`
}

// ViewJSON writes this node's own state and everything it learned from the
// cluster.
func (n *Node) ViewJSON(w http.ResponseWriter, _ *http.Request) {
	resp := viewResponse{NodeID: n.id, Local: []view.Entry{}, Remote: n.view.Entries()}
	for _, msg := range n.sync.View() {
		if msg.NodeID != n.id {
			continue
		}
		resp.Local = append(resp.Local, view.Entry{
			NodeID:    msg.NodeID,
			Component: msg.ComponentID.String(),
			Version:   msg.Version,
			Type:      msg.Type.String(),
			Payload:   msg.Payload,
		})
	}
	n.writeJSON(w, http.StatusOK, resp)
}

// GetLocal returns the raw local payload for a component.
func (n *Node) GetLocal(w http.ResponseWriter, req *http.Request) {
	c, err := syncer.ParseComponentID(req.PathValue("component"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, version, ok := n.reporters[c].Get()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Version", strconv.FormatInt(version, 10))
	w.Write(payload)
}

// PutLocal sets this node's state for a component.
func (n *Node) PutLocal(w http.ResponseWriter, req *http.Request) {
	c, err := syncer.ParseComponentID(req.PathValue("component"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxLocalPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v, err := n.SetLocal(c, body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n.writeJSON(w, http.StatusOK, map[string]any{"component": c.String(), "version": v})
}

func (n *Node) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		n.log.Error("encode response", zap.Error(err))
		http.Error(w, "encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
