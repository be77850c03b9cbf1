package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	domainErrors "github.com/suokelife/messagebus/internal/domain/errors"
)

var validate = validator.New()

type errorMapping struct {
	err    error
	status int
	code   string
}

// Sentinels are checked before kinds so that not-found answers keep their
// own code even when wrapped in a canonical error.
var errorMappings = []errorMapping{
	{domainErrors.ErrTopicNotFound, http.StatusNotFound, "topic_not_found"},
	{domainErrors.ErrMessageNotFound, http.StatusNotFound, "message_not_found"},
	{domainErrors.ErrDeadLetterNotFound, http.StatusNotFound, "dead_letter_not_found"},
	{domainErrors.ErrRetryNotFound, http.StatusNotFound, "retry_not_found"},
	{domainErrors.ErrTopicExists, http.StatusConflict, "topic_exists"},
	{domainErrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
}

type kindMapping struct {
	status int
	code   string
}

var kindMappings = map[domainErrors.Kind]kindMapping{
	domainErrors.KindValidation:        {http.StatusBadRequest, "validation_error"},
	domainErrors.KindTopicNotFound:     {http.StatusNotFound, "topic_not_found"},
	domainErrors.KindBrokerUnavailable: {http.StatusServiceUnavailable, "broker_unavailable"},
	domainErrors.KindCircuitOpen:       {http.StatusServiceUnavailable, "circuit_open"},
	domainErrors.KindTimeout:           {http.StatusGatewayTimeout, "timeout"},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			writeJSON(w, m.status, resp)
			return
		}
	}

	kind := domainErrors.KindOf(err)
	if m, ok := kindMappings[kind]; ok {
		resp.Code = m.code
		if kind == domainErrors.KindCircuitOpen {
			w.Header().Set("Retry-After", "30")
		}
		writeJSON(w, m.status, resp)
		return
	}

	log.Error().Err(err).Msg("unhandled error in handler")
	resp.Code = "internal_error"
	resp.Error = "internal server error"
	writeJSON(w, http.StatusInternalServerError, resp)
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domainErrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			return domainErrors.NewValidationError(ve[0].Field(), ve[0].Tag()+" validation failed")
		}
		return domainErrors.NewValidationError("body", err.Error())
	}
	return nil
}

// queryInt reads a non-negative integer query parameter, falling back to def
// when the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domainErrors.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
