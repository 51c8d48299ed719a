// Package web embeds the chat page shell.
package web

import (
	"bytes"
	_ "embed"
	"net/http"
	"time"
)

//go:embed dist/index.html
var shell []byte

// ShellHandler serves the page shell for every path. The script in the
// shell reads the page ID from the URL.
func ShellHandler() http.Handler {
	loaded := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, "index.html", loaded, bytes.NewReader(shell))
	})
}
