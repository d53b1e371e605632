package good

import "net/http"

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("X-Request-ID", "req-1")
	w.WriteHeader(status)
	w.Write([]byte(message))
}

func handler(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}
