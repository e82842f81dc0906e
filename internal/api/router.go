package api

import (
	"net/http"

	httpSwagger "github.com/swaggo/http-swagger"

	_ "go-pixel-quality/docs"
	"go-pixel-quality/internal/api/handler"
	"go-pixel-quality/pkg/router"
)

// RegisterRoutes mounts the traversal API, the metrics endpoint and the
// swagger UI. metrics may be nil.
func RegisterRoutes(r *router.Router, h *handler.TraversalHandler, metrics http.Handler) {
	r.POST("/api/v1/traversals", h.CreateTraversal)
	r.GET("/api/v1/traversals", h.ListTraversals)
	r.GET("/api/v1/traversals/*/warnings", h.GetTraversalWarnings)
	r.GET("/api/v1/traversals/*/bins", h.GetTraversalBins)
	r.GET("/api/v1/traversals/*/artifacts", h.GetTraversalArtifacts)
	r.PATCH("/api/v1/traversals/*/cancel", h.CancelTraversal)
	r.GET("/api/v1/traversals/*", h.GetTraversal)
	r.GET("/api/v1/download/*/*", h.DownloadArtifact)

	if metrics != nil {
		r.Handle(http.MethodGet, "/metrics", metrics)
	}

	swagger := httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json"))
	r.Handle(http.MethodGet, "/swagger/", swagger)
	r.Handle(http.MethodGet, "/swagger/*", swagger)
}
