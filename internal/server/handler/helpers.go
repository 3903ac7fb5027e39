package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	defaultDepth = 20
	maxDepth     = 500
)

// writeJSON marshals v and writes it with status. Marshal failures become a
// plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseDepth reads ?depth=; 0 means the full book. Defaults to 20, capped
// at 500.
func parseDepth(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("depth")
	if v == "" {
		return defaultDepth, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	if n > maxDepth {
		n = maxDepth
	}
	return n, true
}

func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
