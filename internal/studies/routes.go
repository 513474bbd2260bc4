package studies

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/propsavant/demalytics/internal/middleware"
)

func (h *Handler) SetupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Get("/config", h.Config)
	r.Get("/customers", h.ListCustomers)
	r.Get("/characteristics", h.ListCharacteristics)
	r.Get("/demand-models", h.ListDemandModels)
	r.Get("/supply-models", h.ListSupplyModels)

	r.Get("/studies/{id}", h.GetStudy)
	r.Get("/studies/{id}/boundaries.geojson", h.BoundariesGeoJSON)
	r.Get("/studies/{id}/stores.geojson", h.StoresGeoJSON)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminKeyMiddleware(h.AdminKeyHash))

		r.Post("/studies", h.CreateStudy)
		r.Post("/studies/{id}/process", h.Process)
		r.Post("/studies/{id}/analysis", h.Analyze)
		r.Post("/studies/{id}/publish", h.Publish)
	})

	return r
}
