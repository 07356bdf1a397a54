// Package protocol defines the tagged request/response schema exchanged
// between the broker and an interpreter agent running inside a sandbox.
//
// Messages are JSON objects discriminated by a "type" field and carried
// inside the framing in package framing. Unknown fields must be tolerated;
// unknown tags must be rejected.
package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestType is the discriminator tag on an AgentRequest.
type RequestType string

const (
	RequestExecute  RequestType = "execute"
	RequestShutdown RequestType = "shutdown"
	RequestPing     RequestType = "ping"
)

// ResponseType is the discriminator tag on an AgentResponse.
type ResponseType string

const (
	ResponseReady  ResponseType = "ready"
	ResponseResult ResponseType = "result"
	ResponsePong   ResponseType = "pong"
	ResponseError  ResponseType = "error"
)

// NoExitCode marks an exit code that could not be determined, e.g. the
// child was killed by a signal.
const NoExitCode = -1

// AgentRequest is a message sent from the broker to an agent.
//
// Exactly one of the type-specific field groups is populated, selected by
// Type. Construct with the Execute/Shutdown/Ping helpers rather than
// building the struct by hand.
type AgentRequest struct {
	Type RequestType `json:"type"`

	// Populated only when Type == RequestExecute.
	ID          string `json:"id,omitempty"`
	Interpreter string `json:"interpreter,omitempty"`
	Code        string `json:"code,omitempty"`
}

// ExecuteRequest builds an "execute" request.
func ExecuteRequest(id, interpreter, code string) AgentRequest {
	return AgentRequest{Type: RequestExecute, ID: id, Interpreter: interpreter, Code: code}
}

// ShutdownRequest builds a "shutdown" request.
func ShutdownRequest() AgentRequest {
	return AgentRequest{Type: RequestShutdown}
}

// PingRequest builds a "ping" request.
func PingRequest() AgentRequest {
	return AgentRequest{Type: RequestPing}
}

// AgentResponse is a message sent from an agent to the broker.
type AgentResponse struct {
	Type ResponseType `json:"type"`

	// Populated only when Type == ResponseResult.
	ID       string `json:"id,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int32  `json:"exit_code,omitempty"`

	// Populated only when Type == ResponseError.
	Message string `json:"message,omitempty"`
}

// IsReady reports whether r is the unsolicited startup handshake.
func (r AgentResponse) IsReady() bool { return r.Type == ResponseReady }

// MarshalRequest encodes req as JSON, the payload placed inside a framed
// message by the transport.
func MarshalRequest(req AgentRequest) ([]byte, error) {
	return json.Marshal(req)
}

// MarshalResponse encodes resp as JSON. Used by tests and by fake agents
// that stand in for a real sandboxed process.
func MarshalResponse(resp AgentResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// UnmarshalResponse decodes a framed payload into an AgentResponse and
// rejects any tag outside the known set. Unknown fields are tolerated by
// encoding/json's default behavior.
func UnmarshalResponse(payload []byte) (AgentResponse, error) {
	var resp AgentResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return AgentResponse{}, fmt.Errorf("protocol: decode agent response: %w", err)
	}
	switch resp.Type {
	case ResponseReady, ResponseResult, ResponsePong, ResponseError:
		return resp, nil
	default:
		return AgentResponse{}, fmt.Errorf("protocol: unknown response type %q", resp.Type)
	}
}
