// Package protocol defines the command envelope and response shared by both
// bridge transports and the client.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is one command invocation as sent by an agent.
type Envelope struct {
	RequestID string         `json:"requestId,omitempty"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
}

// Response is the uniform reply for every command. Success is authoritative:
// Data is meaningful only when it is true, Error only when it is false.
type Response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// OK builds a successful response.
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail builds a failed response. An empty message is replaced so a failure
// always carries a non-empty error.
func Fail(msg string) Response {
	if msg == "" {
		msg = "unknown error"
	}
	return Response{Success: false, Error: msg}
}

// Failf is Fail with formatting.
func Failf(format string, args ...any) Response {
	return Fail(fmt.Sprintf(format, args...))
}

// DecodeEnvelope parses raw bytes into an Envelope. Malformed or empty input
// yields an empty Envelope together with the parse error; transports treat
// that as a request with no tool rather than a hard failure.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return env, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// EncodeResponse serializes a Response. The fallback body is used if the
// handler data cannot be marshalled, so callers always get valid JSON.
func EncodeResponse(resp Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(Response{
			Success:   false,
			Error:     "encode response: " + err.Error(),
			RequestID: resp.RequestID,
		})
	}
	return b
}

// DecodeResponse parses a Response produced by EncodeResponse.
func DecodeResponse(raw []byte) (Response, error) {
	var resp Response
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// DecodeData re-encodes Data into v. It works for both in-process responses,
// where Data is a Go value, and decoded ones, where it is generic JSON.
func (r Response) DecodeData(v any) error {
	if r.Data == nil {
		return fmt.Errorf("response has no data")
	}
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("re-encode data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// JobID extracts the "jobId" field from Data, or "" when absent.
func (r Response) JobID() string {
	var ref struct {
		JobID string `json:"jobId"`
	}
	if err := r.DecodeData(&ref); err != nil {
		return ""
	}
	return ref.JobID
}
