// Package sitehttp forwards everything the edge service does not answer
// itself to the logbook application.
package sitehttp

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Routes struct {
	Site http.Handler
}

func New(site http.Handler) *Routes {
	return &Routes{Site: site}
}

// RegisterRoutes should be passed LAST so it becomes the final fallback.
// NotFound and MethodNotAllowed are used rather than a wildcard route so the
// local /api routes registered by other registrars always win.
func (rt *Routes) RegisterRoutes(r chi.Router) {
	if rt.Site == nil {
		return
	}
	r.NotFound(rt.Site.ServeHTTP)
	r.MethodNotAllowed(rt.Site.ServeHTTP)
}
