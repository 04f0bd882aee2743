package api

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/RMahshie/spectrascope/internal/api/handlers"
	"github.com/RMahshie/spectrascope/internal/metrics"
	"github.com/RMahshie/spectrascope/internal/repository"
)

// RegisterRoutes sets up all API routes. repo and m may be nil.
func RegisterRoutes(router chi.Router, api huma.API, svc handlers.SessionService, repo repository.SessionRepository, hub *Hub, m *metrics.Metrics) {
	// Initialize handlers
	sessionHandler := handlers.NewSessionHandler(svc, repo)

	huma.Register(api, huma.Operation{
		OperationID: "getSessionStatus",
		Method:      http.MethodGet,
		Path:        "/api/session",
		Summary:     "Get session status",
		Description: "Returns the acquisition session state, channel configuration and global extrema",
		Tags:        []string{"Session"},
	}, sessionHandler.GetSessionStatus)

	huma.Register(api, huma.Operation{
		OperationID: "setRBW",
		Method:      http.MethodPut,
		Path:        "/api/session/rbw",
		Summary:     "Set resolution bandwidth",
		Description: "Changes the RBW used for spectra from the next acquisition on",
		Tags:        []string{"Session"},
	}, sessionHandler.SetRBW)

	huma.Register(api, huma.Operation{
		OperationID: "setAttenuation",
		Method:      http.MethodPut,
		Path:        "/api/channels/{channel}/attenuation",
		Summary:     "Set channel attenuation",
		Description: "Selects one of the supported attenuation steps on a channel between acquisitions",
		Tags:        []string{"Channels"},
	}, sessionHandler.SetAttenuation)

	huma.Register(api, huma.Operation{
		OperationID: "getSpectrum",
		Method:      http.MethodGet,
		Path:        "/api/channels/{channel}/spectrum",
		Summary:     "Get channel spectrum",
		Description: "Returns the spectrum of the channel from the latest acquisition",
		Tags:        []string{"Channels"},
	}, sessionHandler.GetSpectrum)

	huma.Register(api, huma.Operation{
		OperationID: "getWaveform",
		Method:      http.MethodGet,
		Path:        "/api/channels/{channel}/waveform",
		Summary:     "Get channel waveform",
		Description: "Returns the time-domain samples of the channel from the latest acquisition",
		Tags:        []string{"Channels"},
	}, sessionHandler.GetWaveform)

	huma.Register(api, huma.Operation{
		OperationID: "getLatestAcquisition",
		Method:      http.MethodGet,
		Path:        "/api/acquisitions/latest",
		Summary:     "Get latest acquisition",
		Description: "Returns metadata and per-channel statistics of the latest acquisition",
		Tags:        []string{"Acquisitions"},
	}, sessionHandler.GetLatestAcquisition)

	huma.Register(api, huma.Operation{
		OperationID: "listAcquisitions",
		Method:      http.MethodGet,
		Path:        "/api/sessions/{id}/acquisitions",
		Summary:     "List persisted acquisitions",
		Description: "Returns the stored acquisition summaries of a session, newest first",
		Tags:        []string{"Acquisitions"},
	}, sessionHandler.ListAcquisitions)

	if hub != nil {
		router.Handle("/ws/spectrum", hub)
	}
	if m != nil {
		router.Handle("/metrics", m.Handler())
	}
}
