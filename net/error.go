package net

import (
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Errorf replies to an HTTP request with the specified error, also logging it.
func Errorf(w http.ResponseWriter, code int, msgfmt string, args ...interface{}) {
	http.Error(w, fmt.Sprintf(msgfmt, args...), code)
	if code >= http.StatusInternalServerError {
		log.Errorf(msgfmt, args...)
	} else {
		log.Warnf(msgfmt, args...)
	}
}

// WriteJSON replies with the JSON encoding of v.
func WriteJSON(w http.ResponseWriter, v interface{}) {
	bits, err := json.Marshal(v)
	if err != nil {
		Errorf(w, http.StatusInternalServerError, "marshaling response: %s", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bits)
	if err != nil {
		log.Warnf("sending response: %s", err)
	}
}
