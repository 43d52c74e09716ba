// Package handlers exposes the MTR use cases over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/internal/api/middleware"
	"github.com/drfirst/go-mtr/internal/apperr"
)

const maxBodyBytes = 1 << 20

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// writeError maps err to its status code. Internal errors are logged and
// their cause is not returned to the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	appErr := apperr.As(err)
	if appErr.Kind == apperr.KindInternal {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	json.NewEncoder(w).Encode(envelope{Error: &errorBody{
		Type:    string(appErr.Kind),
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("invalid request body: " + err.Error())
	}
	return nil
}

// caller returns the authenticated principal. Auth runs before every route,
// so a missing principal is a wiring bug.
func caller(r *http.Request) (middleware.Principal, error) {
	p, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		return p, apperr.Internal(errors.New("request is not authenticated"))
	}
	return p, nil
}
