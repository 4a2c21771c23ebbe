package httpapi

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Cypherspark/future-self/api"
)

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html>
  <head>
    <title>{{.Title}}</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
  </head>
  <body>
    <redoc spec-url="{{.SpecURL}}"></redoc>
  </body>
</html>`))

// mountDocs serves the embedded OpenAPI document and a redoc page for it.
func (s *Server) mountDocs(r chi.Router) {
	var page bytes.Buffer
	if err := docsPage.Execute(&page, struct{ Title, SpecURL string }{api.Title, api.SpecPath}); err != nil {
		panic(err)
	}

	r.Get(api.SpecPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		http.ServeFileFS(w, r, api.FS, api.SpecFile)
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page.Bytes())
	})
}
