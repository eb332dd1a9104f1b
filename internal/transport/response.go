// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the assessment API.
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pitabwire/triage/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrInternalError:   http.StatusInternalServerError,
	model.ErrInvalidFlow:     http.StatusUnprocessableEntity,
	model.ErrInvalidStep:     http.StatusConflict,
	model.ErrRunNotFound:     http.StatusNotFound,
	model.ErrFlowNotFound:    http.StatusNotFound,
	model.ErrStepNotFound:    http.StatusNotFound,
	model.ErrInvalidReview:   http.StatusConflict,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		return http.StatusInternalServerError
	}
	if status := statusForCode[ee.Code]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code. A body that
// cannot be encoded is reported as a 500 instead of an empty response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			buf.Reset()
			status = http.StatusInternalServerError
			fmt.Fprintf(&buf, `{"error":{"code":%q,"message":"response could not be encoded"}}`+"\n",
				model.ErrInternalError)
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. Errors that do not wrap an *ErrorEnvelope are reported as
// a generic 500 so infrastructure details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	writeErrorTrace(w, err, "")
}

func writeErrorTrace(w http.ResponseWriter, err error, traceID string) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if traceID != "" {
		copied := *ee
		copied.TraceID = traceID
		ee = &copied
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// decodeJSON decodes the request body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt reads an integer query parameter. Missing values return def;
// malformed ones are rejected.
func queryInt(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, model.NewBadRequestError(fmt.Sprintf("query parameter %q must be an integer", key))
	}
	return v, nil
}
