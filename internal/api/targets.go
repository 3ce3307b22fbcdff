package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pagetweak/internal/pipeline"
	"github.com/kalambet/pagetweak/internal/request"
)

type OpenTargetRequest struct {
	URL string `json:"url"`
}

type GenerateRequest struct {
	Prompt          string   `json:"prompt"`
	Selector        string   `json:"selector,omitempty"`
	FramePath       []string `json:"framePath,omitempty"`
	ScriptID        string   `json:"scriptId,omitempty"`
	Apply           bool     `json:"apply,omitempty"`
	ResponseFormat  string   `json:"responseFormat,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

func (g GenerateRequest) input() pipeline.GenerateInput {
	return pipeline.GenerateInput{
		Prompt:          g.Prompt,
		Selector:        g.Selector,
		FramePath:       g.FramePath,
		ScriptID:        g.ScriptID,
		Apply:           g.Apply,
		ResponseFormat:  request.ResponseFormat(g.ResponseFormat),
		Temperature:     g.Temperature,
		MaxOutputTokens: g.MaxOutputTokens,
	}
}

func handleListTargets(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Service.Targets(r.Context()))
	}
}

func handleOpenTarget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenTargetRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}

		info, err := deps.Service.OpenTarget(r.Context(), req.URL)
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
	}
}

func handleGetTarget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := deps.Service.Target(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleCloseTarget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.CloseTarget(r.Context(), chi.URLParam(r, "key")); err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeStatus(w, "closed")
	}
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := deps.Service.Generate(r.Context(), chi.URLParam(r, "key"), req.input())
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Cancel(chi.URLParam(r, "key")); err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeStatus(w, "cancelled")
	}
}

func handlePreview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Service.Preview(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleRevoke(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Revoke(r.Context(), chi.URLParam(r, "key"), chi.URLParam(r, "id")); err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeStatus(w, "revoked")
	}
}

func handleRevokeAll(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.RevokeAll(r.Context(), chi.URLParam(r, "key")); err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeStatus(w, "revoked")
	}
}
