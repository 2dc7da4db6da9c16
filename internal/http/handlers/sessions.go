package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/konstantinmiller/dashp2p/internal/models"
	"github.com/konstantinmiller/dashp2p/internal/repository"
)

// SessionHandler serves persisted request statistics.
type SessionHandler struct {
	repo repository.RequestRecordRepository
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(repo repository.RequestRecordRepository) *SessionHandler {
	return &SessionHandler{repo: repo}
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body struct {
		Sessions []repository.SessionSummary `json:"sessions"`
	}
}

// SessionRequestsInput selects the requests of one session.
type SessionRequestsInput struct {
	ID    string `path:"id" doc:"Session ID"`
	Limit int    `query:"limit" minimum:"0" maximum:"10000" default:"1000" doc:"Maximum number of requests"`
}

// SessionRequestsOutput is the output for the requests of a session.
type SessionRequestsOutput struct {
	Body struct {
		SessionID string                  `json:"session_id"`
		Requests  []*models.RequestRecord `json:"requests"`
	}
}

// DeleteSessionInput selects the session to delete.
type DeleteSessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

// DeleteSessionOutput reports the number of removed requests.
type DeleteSessionOutput struct {
	Body struct {
		Deleted int64 `json:"deleted"`
	}
}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      "GET",
		Path:        "/api/v1/sessions",
		Summary:     "List recorded sessions",
		Tags:        []string{"Statistics"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getSessionRequests",
		Method:      "GET",
		Path:        "/api/v1/sessions/{id}/requests",
		Summary:     "List the requests of a session",
		Tags:        []string{"Statistics"},
	}, h.Requests)

	huma.Register(api, huma.Operation{
		OperationID: "deleteSession",
		Method:      "DELETE",
		Path:        "/api/v1/sessions/{id}",
		Summary:     "Delete the requests of a session",
		Tags:        []string{"Statistics"},
	}, h.Delete)
}

// List returns a summary of every recorded session.
func (h *SessionHandler) List(ctx context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	summaries, err := h.repo.Summaries(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing sessions", err)
	}
	out := &ListSessionsOutput{}
	out.Body.Sessions = summaries
	return out, nil
}

// Requests returns the requests of one session.
func (h *SessionHandler) Requests(ctx context.Context, input *SessionRequestsInput) (*SessionRequestsOutput, error) {
	records, err := h.repo.GetBySession(ctx, input.ID, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing session requests", err)
	}
	if len(records) == 0 {
		return nil, huma.Error404NotFound("session " + input.ID + " has no recorded requests")
	}
	out := &SessionRequestsOutput{}
	out.Body.SessionID = input.ID
	out.Body.Requests = records
	return out, nil
}

// Delete removes the requests of one session.
func (h *SessionHandler) Delete(ctx context.Context, input *DeleteSessionInput) (*DeleteSessionOutput, error) {
	n, err := h.repo.DeleteBySession(ctx, input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("deleting session", err)
	}
	out := &DeleteSessionOutput{}
	out.Body.Deleted = n
	return out, nil
}
