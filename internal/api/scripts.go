package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/pagetweak/internal/script"
	"github.com/kalambet/pagetweak/internal/storage"
)

func handleListScripts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := deps.Service.Scripts()
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		if status := script.Status(r.URL.Query().Get("status")); status != "" {
			if !status.Valid() {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
				return
			}
			recs = filterStatus(recs, status)
		}
		if recs == nil {
			recs = []storage.ScriptRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func filterStatus(recs []storage.ScriptRecord, status script.Status) []storage.ScriptRecord {
	out := make([]storage.ScriptRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out
}

func handleGetScript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := deps.Service.Script(chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		if detail.Turns == nil {
			detail.Turns = []storage.Turn{}
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func handleDeleteScript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.RemoveScript(r.Context(), chi.URLParam(r, "id")); err != nil {
			serviceError(w, deps.Logger, err)
			return
		}
		writeStatus(w, "deleted")
	}
}
