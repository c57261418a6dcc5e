package api

import (
	"encoding/json"
	"net/http"

	"github.com/canopyhq/canopy/pkg/apierror"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apierror.WriteHTTP(w, err)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.WrongParameters("invalid request body")
	}
	return nil
}
