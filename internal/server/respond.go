package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	hostErrors "github.com/sleepy-project/sleepy/internal/errors"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// writeJSON sends v as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already out, so an encode error has nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. Coded errors keep their message as detail;
// anything else is an internal error whose detail is only the request id,
// so causes never leak to clients.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := hostErrors.HTTPStatus(err)
	resp := ErrorResponse{Code: status, Message: http.StatusText(status)}

	var coded *hostErrors.CodedError
	switch {
	case errors.As(err, &coded) && status < http.StatusInternalServerError:
		resp.Detail = coded.Message
		if coded.Detail != "" {
			resp.Detail = coded.Message + ": " + coded.Detail
		}
	default:
		reqID := requestID(r.Context())
		resp.Detail = fmt.Sprintf("%s (%s)", hostErrors.GetMessage(err), reqID)
		if coded == nil {
			resp.Detail = fmt.Sprintf("Internal Server Error (%s)", reqID)
		}
		s.logger.Error("request failed",
			zap.String("reqid", reqID),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched so handlers can pre-fill defaults.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return hostErrors.BadRequest("Invalid JSON body").WithDetail(err.Error())
	}
	return nil
}
