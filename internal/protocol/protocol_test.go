package protocol

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExecuteRequestSerializesTag(t *testing.T) {
	req := ExecuteRequest("1", "python", "print(42)")
	b, err := MarshalRequest(req)
	if err != nil {
		t.Fatalf("MarshalRequest: %v", err)
	}
	got := string(b)
	if !strings.Contains(got, `"type":"execute"`) {
		t.Errorf("missing type tag: %s", got)
	}
	if !strings.Contains(got, `"interpreter":"python"`) {
		t.Errorf("missing interpreter field: %s", got)
	}
}

func TestResponseResultRoundTrip(t *testing.T) {
	resp := AgentResponse{Type: ResponseResult, ID: "1", Stdout: "42\n", ExitCode: 0}
	b, err := MarshalResponse(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"type":"result"`) {
		t.Errorf("missing type tag: %s", b)
	}

	decoded, err := UnmarshalResponse(b)
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	if diff := cmp.Diff(resp, decoded); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalResponseReady(t *testing.T) {
	resp, err := UnmarshalResponse([]byte(`{"type":"ready"}`))
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	if !resp.IsReady() {
		t.Errorf("expected ready response, got %+v", resp)
	}
}

func TestUnmarshalResponseRejectsUnknownTag(t *testing.T) {
	_, err := UnmarshalResponse([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown response tag")
	}
}

func TestUnmarshalResponseToleratesUnknownFields(t *testing.T) {
	resp, err := UnmarshalResponse([]byte(`{"type":"pong","extra_field_from_a_newer_agent":123}`))
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	if resp.Type != ResponsePong {
		t.Errorf("expected pong, got %+v", resp)
	}
}
