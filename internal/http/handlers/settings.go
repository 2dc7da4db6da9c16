package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/konstantinmiller/dashp2p/internal/observability"
)

// SettingsHandler handles runtime settings endpoints.
type SettingsHandler struct{}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler() *SettingsHandler {
	return &SettingsHandler{}
}

// Register registers the settings routes with the API.
func (h *SettingsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getSettings",
		Method:      "GET",
		Path:        "/api/v1/settings",
		Summary:     "Get runtime settings",
		Tags:        []string{"Settings"},
	}, h.GetSettings)

	huma.Register(api, huma.Operation{
		OperationID: "updateSettings",
		Method:      "PUT",
		Path:        "/api/v1/settings",
		Summary:     "Update runtime settings",
		Tags:        []string{"Settings"},
	}, h.UpdateSettings)
}

// RuntimeSettings represents the runtime settings data.
type RuntimeSettings struct {
	LogLevel string `json:"log_level" enum:"debug,info,warn,error"`
}

// GetSettingsInput is the input for getting settings.
type GetSettingsInput struct{}

// SettingsOutput carries the current settings.
type SettingsOutput struct {
	Body RuntimeSettings
}

// UpdateSettingsInput is the input for updating settings.
type UpdateSettingsInput struct {
	Body RuntimeSettings
}

// GetSettings returns current runtime settings.
func (h *SettingsHandler) GetSettings(_ context.Context, _ *GetSettingsInput) (*SettingsOutput, error) {
	return &SettingsOutput{Body: RuntimeSettings{LogLevel: observability.GetLogLevel()}}, nil
}

// UpdateSettings applies runtime settings.
func (h *SettingsHandler) UpdateSettings(_ context.Context, input *UpdateSettingsInput) (*SettingsOutput, error) {
	observability.SetLogLevel(input.Body.LogLevel)
	return &SettingsOutput{Body: RuntimeSettings{LogLevel: observability.GetLogLevel()}}, nil
}
