package forward

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Outcome classifies a completed upstream attempt, or a transport-level
// failure that never produced a response.
type Outcome int

const (
	// Ok is any successful response (status < 400) without an embedded
	// quota-exhaustion signal.
	Ok Outcome = iota
	// KeyPressure covers 429 and 500, both treated as credential exhaustion.
	KeyPressure
	// OverContext is a 400 with code "context_length_exceeded".
	OverContext
	// Unavailable is a 503 from the upstream.
	Unavailable
	// EmbeddedQuota is a 2xx response whose first choice's content mentions
	// exhausted quota despite the HTTP status claiming success.
	EmbeddedQuota
	// TransientTransport is a connection-level error; no response was received.
	TransientTransport
	// Other is any remaining status, returned to the client verbatim.
	Other
)

// embeddedQuotaMarker is the substring that flags a nominally-2xx response
// as actually quota-exhausted.
const embeddedQuotaMarker = "token quota is not enough"

// contextLengthCode is the error code the primary upstream uses for
// over-context 400s.
const contextLengthCode = "context_length_exceeded"

// errorBody mirrors the OpenAI-compatible error envelope far enough to read
// the error code out of a 400 response.
type errorBody struct {
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

// choiceBody mirrors just enough of a chat-completion response to read the
// first choice's message content for the embedded-quota check.
type choiceBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify determines the Outcome of a completed HTTP response. body is the
// full response body, already buffered.
func Classify(status int, body []byte) Outcome {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusInternalServerError:
		return KeyPressure
	case status == http.StatusServiceUnavailable:
		return Unavailable
	case status == http.StatusBadRequest:
		var e errorBody
		if err := json.Unmarshal(body, &e); err == nil && e.Error.Code == contextLengthCode {
			return OverContext
		}
		return Other
	case status < 400:
		if hasEmbeddedQuotaExhaustion(body) {
			return EmbeddedQuota
		}
		return Ok
	default:
		return Other
	}
}

func hasEmbeddedQuotaExhaustion(body []byte) bool {
	var parsed choiceBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false
	}
	if len(parsed.Choices) == 0 {
		return false
	}
	return strings.Contains(parsed.Choices[0].Message.Content, embeddedQuotaMarker)
}

// String renders the outcome for logs and metric labels.
func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case KeyPressure:
		return "key_pressure"
	case OverContext:
		return "over_context"
	case Unavailable:
		return "unavailable"
	case EmbeddedQuota:
		return "embedded_quota"
	case TransientTransport:
		return "transient_transport"
	default:
		return "other"
	}
}
