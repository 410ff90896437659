package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fkchat/fkchat/pkg/types"
)

// requestEnvelope is the uniform request wrapper. Data stays raw until
// the handler knows which payload to decode.
type requestEnvelope struct {
	RequestServiceType types.ServiceType `json:"request_service_type"`
	Data               json.RawMessage   `json:"data"`
}

// responseEnvelope mirrors the HTTP status into the body.
type responseEnvelope struct {
	ResponseStatusCode int    `json:"response_status_code"`
	Message            string `json:"message"`
	Data               any    `json:"data,omitempty"`
}

// decodeEnvelope parses the wrapper and checks the service type tag.
// A mismatched tag means the client hit the wrong endpoint.
func decodeEnvelope(r *http.Request, want types.ServiceType) (json.RawMessage, bool, string) {
	var env requestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return nil, false, "malformed request envelope"
	}
	if env.RequestServiceType != want {
		return nil, false, "unexpected request_service_type"
	}
	return env.Data, true, ""
}

// writeResponse emits the envelope with the HTTP status doubled into
// response_status_code.
func writeResponse(w http.ResponseWriter, logger zerolog.Logger, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(responseEnvelope{
		ResponseStatusCode: status,
		Message:            message,
		Data:               data,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to write response")
	}
}
