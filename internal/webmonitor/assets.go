package webmonitor

import (
	"net/http"
	"os"
	"path/filepath"
)

// assetHandler serves flat asset files, preferring a build output directory
// over the source assets directory.
type assetHandler struct {
	dirs []string
}

func newAssetHandler(dirs ...string) *assetHandler {
	h := &assetHandler{}
	for _, d := range dirs {
		if d != "" {
			h.dirs = append(h.dirs, d)
		}
	}
	return h
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filename := filepath.Base(r.URL.Path)
	if filename == "." || filename == "/" {
		http.NotFound(w, r)
		return
	}
	for _, dir := range h.dirs {
		path := filepath.Join(dir, filename)
		if fileExists(path) {
			w.Header().Set("Cache-Control", "no-cache")
			http.ServeFile(w, r, path)
			return
		}
	}
	http.NotFound(w, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
