package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
)

// StaticFS holds the chat UI: pages, scripts and styles.
//
//go:embed static
var StaticFS embed.FS

// Assets returns the static tree rooted at static/, suitable for mounting
// under /static/.
func Assets() fs.FS {
	sub, err := fs.Sub(StaticFS, "static")
	if err != nil {
		// static is embedded above, so Sub cannot fail
		panic(err)
	}
	return sub
}

// Page returns the HTML document for a named page ("index", "login").
func Page(name string) ([]byte, error) {
	return fs.ReadFile(StaticFS, path.Join("static", name+".html"))
}

// ServePage writes the named page or a 500 if it is missing.
func ServePage(w http.ResponseWriter, name string) {
	data, err := Page(name)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// ServeFavicon writes the site icon.
func ServeFavicon(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(StaticFS, "static/favicon.svg")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(data)
}
