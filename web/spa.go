// Package web serves a built frontend as a single-page application (SPA).
//
// The frontend is deployed separately; point STATIC_DIR at its build output
// to serve it from this process. In development, leave it unset and use the
// frontend's own dev server.
package web

import (
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

// SPAHandler returns an http.Handler that serves files from root and falls
// back to index.html for any path that doesn't match a file (SPA
// client-side routing, e.g. /product/123 after a page refresh).
func SPAHandler(root fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path == "" {
			path = "index.html"
		}

		if f, err := root.Open(path); err == nil {
			if closeErr := f.Close(); closeErr != nil {
				slog.Debug("web: failed to close file", "path", path, "error", closeErr)
			}
			fileServer.ServeHTTP(w, r)
			return
		}

		// Not found: serve index.html for SPA routing.
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}
