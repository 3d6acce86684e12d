package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"nftmarket/services/marketd/market"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var categories = []struct {
	err    error
	status int
	code   string
}{
	{market.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{market.ErrInvalidState, http.StatusBadRequest, "invalid_state"},
	{market.ErrForbidden, http.StatusForbidden, "forbidden"},
	{market.ErrNotFound, http.StatusNotFound, "not_found"},
	{market.ErrConflict, http.StatusConflict, "conflict"},
	{market.ErrSettlementFailed, http.StatusBadGateway, "settlement_failed"},
}

// classify maps a service error to its HTTP status and stable error code.
func classify(err error) (int, string) {
	for _, c := range categories {
		if !errors.Is(err, c.err) {
			continue
		}
		code := c.code
		var specific *market.Error
		if errors.As(err, &specific) && specific.Code != "" {
			code = specific.Code
		}
		return c.status, code
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		message = "internal server error"
	} else if status == http.StatusBadGateway {
		s.logger.WarnContext(r.Context(), "settlement failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
