package httputils

import (
	"encoding/json"
	"log"
	"net/http"
)

// HandleAPIResponse writes resp to w as JSON with the given success status.
// When err is non-nil the request failed server-side; the error is logged
// and the client gets a plain 500 without the error detail.
func HandleAPIResponse(w http.ResponseWriter, r *http.Request, resp any, err error, status int) {
	if err != nil {
		log.Printf("%s %s from %s failed: %v", r.Method, r.URL.Path, r.RemoteAddr, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		log.Printf("%s %s response encoding failed: %v", r.Method, r.URL.Path, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
