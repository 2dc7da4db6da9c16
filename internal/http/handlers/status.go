package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/konstantinmiller/dashp2p/internal/coordinator"
	"github.com/konstantinmiller/dashp2p/internal/stats"
)

// SessionStatusSource reports the state of the playback session.
type SessionStatusSource interface {
	Status() coordinator.Status
}

// StatsSource reports transfer statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// StatusHandler serves the state of the running playback session.
type StatusHandler struct {
	manifestURL string
	session     SessionStatusSource
	stats       StatsSource
}

// NewStatusHandler creates a new status handler. stats may be nil.
func NewStatusHandler(manifestURL string, session SessionStatusSource, stats StatsSource) *StatusHandler {
	return &StatusHandler{manifestURL: manifestURL, session: session, stats: stats}
}

// StatusInput is the input for the status endpoint.
type StatusInput struct{}

// StatusOutput is the output for the status endpoint.
type StatusOutput struct {
	Body StatusResponse
}

// StatusResponse is the status body.
type StatusResponse struct {
	ManifestURL   string             `json:"manifest_url"`
	BufferSeconds float64            `json:"buffer_seconds" doc:"Contiguous media ahead of the playback position"`
	StallSeconds  float64            `json:"stall_seconds"`
	Session       coordinator.Status `json:"session"`
	Stats         *stats.Snapshot    `json:"stats,omitempty"`
}

// Register registers the status route with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/v1/status",
		Summary:     "Playback status",
		Description: "Returns buffer level, adaptation decision and transfer statistics of the session",
		Tags:        []string{"Playback"},
	}, h.GetStatus)
}

// GetStatus returns the session status.
func (h *StatusHandler) GetStatus(_ context.Context, _ *StatusInput) (*StatusOutput, error) {
	st := h.session.Status()
	resp := StatusResponse{
		ManifestURL:   h.manifestURL,
		BufferSeconds: st.Buffer.Round(time.Millisecond).Seconds(),
		StallSeconds:  st.StallTime.Round(time.Millisecond).Seconds(),
		Session:       st,
	}
	if h.stats != nil {
		snap := h.stats.Snapshot()
		resp.Stats = &snap
	}
	return &StatusOutput{Body: resp}, nil
}
