package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// CorrelationHeader carries the caller's correlation id; it is echoed back or
// generated when absent.
const CorrelationHeader = "X-Correlation-ID"

const maxCorrelationLen = 64

// Response is the unified envelope.
type Response struct {
	Result        string      `json:"result"`
	Data          interface{} `json:"data,omitempty"`
	Code          string      `json:"code,omitempty"`
	Message       string      `json:"message,omitempty"`
	CorrelationID string      `json:"correlationId"`
}

// WriteSuccess writes a 200 envelope carrying data.
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	respond(w, r, http.StatusOK, &Response{Result: "ok", Data: data})
}

// WriteError writes an error envelope with status.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respond(w, r, status, &Response{Result: "error", Code: code, Message: message})
}

func respond(w http.ResponseWriter, r *http.Request, status int, resp *Response) {
	resp.CorrelationID = correlationID(r)
	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "response encoding failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(CorrelationHeader, resp.CorrelationID)
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// correlationID accepts a caller-supplied id made of printable ASCII only.
func correlationID(r *http.Request) string {
	id := r.Header.Get(CorrelationHeader)
	if id == "" || len(id) > maxCorrelationLen {
		return uuid.NewString()
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return uuid.NewString()
		}
	}
	return id
}
