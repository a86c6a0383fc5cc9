// Package protocol defines the JSON messages exchanged on the bus.
package protocol

import "time"

// RenderRequest asks a render node to render a manifest. Exactly one of
// ManifestPath (relative to the node's manifest directory) or Manifest
// (inline YAML) is set.
type RenderRequest struct {
	RequestID     string  `json:"request_id"`
	ManifestPath  string  `json:"manifest_path,omitempty"`
	Manifest      string  `json:"manifest,omitempty"`
	Output        string  `json:"output"`
	SampleRate    int     `json:"sample_rate,omitempty"`
	Seed          *uint64 `json:"seed,omitempty"`
	DebugStemsDir string  `json:"debug_stems_dir,omitempty"`
	DryRun        bool    `json:"dry_run,omitempty"`
}

// RenderCompleted is published when a render finished, with or without a
// loudness shortfall.
type RenderCompleted struct {
	RequestID      string    `json:"request_id"`
	RenderID       string    `json:"render_id"`
	NodeID         string    `json:"node_id"`
	Session        string    `json:"session"`
	Output         string    `json:"output,omitempty"`
	Report         string    `json:"report,omitempty"`
	DryRun         bool      `json:"dry_run,omitempty"`
	IntegratedLUFS float64   `json:"integrated_lufs"`
	TruePeakDBTP   float64   `json:"true_peak_dbtp"`
	ShortfallLU    float64   `json:"shortfall_lu,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	ElapsedMS      int64     `json:"elapsed_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// RenderFailed is published when a request could not be rendered.
type RenderFailed struct {
	RequestID string    `json:"request_id"`
	NodeID    string    `json:"node_id"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Issues    []string  `json:"issues,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeAnnouncement advertises a render node and what it can do.
type NodeAnnouncement struct {
	NodeID       string            `json:"node_id"`
	Role         string            `json:"role"`
	Capabilities map[string]string `json:"capabilities,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// NodeHeartbeat reports liveness and current load.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Active    int       `json:"active"`
	Capacity  int       `json:"capacity"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectRenderRequest   = "render.request"
	SubjectRenderCompleted = "render.completed"
	SubjectRenderFailed    = "render.failed"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)
