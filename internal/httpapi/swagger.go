//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "lmfacade/internal/httpapi/docs"
)

// MountSwagger serves the Swagger UI at /swagger/*, backed by the OpenAPI
// document registered in internal/httpapi/docs. Only compiled with
// -tags=swagger.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.WrapHandler)
}
