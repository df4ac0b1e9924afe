package httphelper

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// MaxBodyBytes caps request bodies read by DecodeJSON
const MaxBodyBytes = 1 << 20

// DecodeJSON reads a single json document from the request body into v.
// Unknown fields are rejected.
func DecodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// RespondWithError return error message
func RespondWithError(w http.ResponseWriter, code int, msg string, detail string) {
	RespondwithJSON(w, code,
		map[string]string{
			"status":  "fail",
			"message": msg,
			"detail":  detail,
		})
}

// RespondwithJSON write json response format
func RespondwithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.WithFields(log.Fields{
			"error": err,
		}).Error("unable to encode http response")
		code = http.StatusInternalServerError
		response = []byte(`{"status":"fail","message":"Internal Error","detail":"unable to encode response"}`)
	}

	log.WithFields(log.Fields{
		"code":  code,
		"bytes": len(response),
	}).Debug("http response")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
