package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oratelabs/orate/internal/llm"
	"github.com/oratelabs/orate/internal/synth"
)

// Stage labels for error responses and session records. They name the
// phase that failed, not the component that noticed.
const (
	stageRequest    = "request"
	stageGeneration = "generation"
	stageSynthesis  = "synthesis"
	stageInternal   = "internal"
)

type validationError struct {
	msg   string
	stage string
}

func (e *validationError) Error() string { return e.msg }

func badRequest(msg string) *validationError {
	return &validationError{msg: msg, stage: stageRequest}
}

// classify maps an error from the speech path to the HTTP status and
// stage tag reported to the client. Only meaningful before headers
// commit; afterwards the connection is simply closed.
func classify(err error) (int, string) {
	var ve *validationError
	var te *llm.TimeoutError
	var ue *llm.UpstreamError
	var fe *synth.FormatError
	var spawnErr *synth.SpawnError
	var synthErr *synth.SynthesisError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, ve.stage
	case errors.As(err, &te):
		return http.StatusGatewayTimeout, stageGeneration
	case errors.As(err, &ue):
		return http.StatusBadGateway, stageGeneration
	case errors.As(err, &fe):
		return http.StatusInternalServerError, stageSynthesis
	case errors.As(err, &spawnErr):
		return http.StatusInternalServerError, stageSynthesis
	case errors.As(err, &synthErr):
		return http.StatusInternalServerError, stageSynthesis
	default:
		return http.StatusInternalServerError, stageInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, stage, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "stage": stage})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
