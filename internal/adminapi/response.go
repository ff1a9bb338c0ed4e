package adminapi

import (
	"net/http"

	"github.com/go-chi/render"
)

// Envelope is the success envelope: {"data": ...}.
type Envelope struct {
	Data any `json:"data,omitempty"`
}

type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func data(w http.ResponseWriter, r *http.Request, status int, payload any) {
	render.Status(r, status)
	render.JSON(w, r, Envelope{Data: payload})
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorBody{Error: ErrorPayload{Code: code, Message: message}})
}
