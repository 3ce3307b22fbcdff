package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pagetweak/internal/pipeline"
	"github.com/kalambet/pagetweak/internal/proxy"
	"github.com/kalambet/pagetweak/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Service is the subset of pipeline.Service the API drives.
type Service interface {
	OpenTarget(ctx context.Context, url string) (pipeline.TargetInfo, error)
	Targets(ctx context.Context) []pipeline.TargetInfo
	Target(ctx context.Context, key string) (pipeline.TargetInfo, error)
	CloseTarget(ctx context.Context, key string) error
	Generate(ctx context.Context, key string, in pipeline.GenerateInput) (pipeline.GenerateResult, error)
	Cancel(key string) error
	Preview(ctx context.Context, key, scriptID string) (storage.ScriptRecord, error)
	Revoke(ctx context.Context, key, scriptID string) error
	RevokeAll(ctx context.Context, key string) error
	Scripts() ([]storage.ScriptRecord, error)
	Script(id string) (pipeline.ScriptDetail, error)
	RemoveScript(ctx context.Context, id string) error
}

// ModelLister lists the models offered by the provider.
type ModelLister interface {
	ListModels(ctx context.Context) ([]proxy.Model, error)
}

type Deps struct {
	Service Service
	Models  ModelLister
	// Token enables bearer authentication on /v1 routes when non-empty.
	Token  string
	Logger *slog.Logger
}

// NewHandler returns the pagetweak REST API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/v1/models", handleModels(deps))

		r.Get("/v1/targets", handleListTargets(deps))
		r.Post("/v1/targets", handleOpenTarget(deps))
		r.Get("/v1/targets/{key}", handleGetTarget(deps))
		r.Delete("/v1/targets/{key}", handleCloseTarget(deps))
		r.Post("/v1/targets/{key}/generate", handleGenerate(deps))
		r.Post("/v1/targets/{key}/cancel", handleCancel(deps))
		r.Delete("/v1/targets/{key}/previews", handleRevokeAll(deps))
		r.Put("/v1/targets/{key}/previews/{id}", handlePreview(deps))
		r.Delete("/v1/targets/{key}/previews/{id}", handleRevoke(deps))

		r.Get("/v1/scripts", handleListScripts(deps))
		r.Get("/v1/scripts/{id}", handleGetScript(deps))
		r.Delete("/v1/scripts/{id}", handleDeleteScript(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Models == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "model listing is not configured")
			return
		}
		models, err := deps.Models.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "upstream_error", "failed to list models: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, proxy.ModelList{Object: "list", Data: models})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": errorBody{
			Message: fmt.Sprintf(format, args...),
			Type:    errType,
		},
	})
}
