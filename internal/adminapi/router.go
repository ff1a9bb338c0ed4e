package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the admin HTTP surface: chi.NewRouter plus
// middleware.Recoverer and middleware.RequestID.
func NewRouter(h *Handler) http.Handler {
	if h == nil {
		panic("adminapi.NewRouter: nil handler")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/routes", h.Routes)
		r.Get("/url-selector/{channelId}", h.URLSelectorSnapshot)
		r.Get("/directories/stats", h.DirectoryStats)
	})

	return r
}
