package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Posts
	mux.Handle("GET /api/v1/posts", chain(http.HandlerFunc(h.ListPosts)))
	mux.Handle("POST /api/v1/posts", chain(http.HandlerFunc(h.PublishNow)))
	mux.Handle("POST /api/v1/posts/schedule", chain(http.HandlerFunc(h.SchedulePost)))
	mux.Handle("GET /api/v1/posts/{id}", chain(http.HandlerFunc(h.GetPost)))
	mux.Handle("PUT /api/v1/posts/{id}", chain(http.HandlerFunc(h.UpdatePost)))
	mux.Handle("DELETE /api/v1/posts/{id}", chain(http.HandlerFunc(h.DeletePost)))
	mux.Handle("POST /api/v1/posts/{id}/send", chain(http.HandlerFunc(h.SendPost)))
}
