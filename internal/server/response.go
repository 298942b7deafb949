package server

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/rcrt/internal/rcrterr"
)

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	v, _ := json.Marshal(responseMessage{
		Message: msg,
	})

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSON(w http.ResponseWriter, msg any, code int) {
	v, _ := json.Marshal(msg)

	httpResponseJSONByte(w, v, code)
}

func httpResponseJSONByte(w http.ResponseWriter, msg []byte, code int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(code)
	w.Write(msg)
}

// jsonResponseServer and errResponseServer are the RCRT-handler-wide
// response helpers: every create/list/get endpoint writes through these,
// and every returned error is mapped to its HTTP status by rcrterr.Code
// so handlers never hand-pick status codes themselves.
func jsonResponseServer(w http.ResponseWriter, v any, code int) {
	httpResponseJSON(w, v, code)
}

func errResponseServer(w http.ResponseWriter, err error) {
	httpResponse(w, err.Error(), rcrterr.Code(err))
}
