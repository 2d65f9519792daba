package dispatcher

import (
	"encoding/json"
	"testing"
)

func TestControlRequest_Unmarshal(t *testing.T) {
	raw := `{
		"id": "req-1",
		"method": "approveConnection",
		"params": {"connectionId": "conn-1"},
		"ctx": {"userId": "operator-1", "timeoutMs": 500}
	}`

	var req ControlRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to unmarshal: %v", err)
	}

	if req.ID != "req-1" {
		t.Errorf("dispatcher:dispatcher_test - expected id req-1, got %s", req.ID)
	}
	if req.Method != "approveConnection" {
		t.Errorf("dispatcher:dispatcher_test - expected method approveConnection, got %s", req.Method)
	}
	if req.Ctx == nil {
		t.Fatal("dispatcher:dispatcher_test - expected ctx, got nil")
	}
	if req.Ctx.UserID != "operator-1" || req.Ctx.TimeoutMs != 500 {
		t.Errorf("dispatcher:dispatcher_test - unexpected ctx %+v", req.Ctx)
	}

	var params connectionParams
	if err := decodeParams(&req, &params); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to decode params: %v", err)
	}
	if params.ConnectionID != "conn-1" {
		t.Errorf("dispatcher:dispatcher_test - expected conn-1, got %s", params.ConnectionID)
	}
}

func TestControlResponse_Marshal(t *testing.T) {
	resp := &ControlResponse{
		ID: "req-1",
		Ok: true,
		Result: map[string]interface{}{
			"proposalId": "p-1",
			"status":     "executed",
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to marshal: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to unmarshal response: %v", err)
	}

	if decoded["ok"] != true {
		t.Errorf("dispatcher:dispatcher_test - expected ok=true, got %v", decoded["ok"])
	}
	if decoded["id"] != "req-1" {
		t.Errorf("dispatcher:dispatcher_test - expected id=req-1, got %v", decoded["id"])
	}
	if _, ok := decoded["error"]; ok {
		t.Error("dispatcher:dispatcher_test - expected error to be omitted")
	}
}

func TestControlResponse_Error(t *testing.T) {
	resp := errorResponse("req-2", "NOT_FOUND", "connection not found", false)

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to marshal: %v", err)
	}

	var decoded ControlResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - failed to unmarshal: %v", err)
	}

	if decoded.Ok {
		t.Error("dispatcher:dispatcher_test - expected ok=false")
	}
	if decoded.Error == nil {
		t.Fatal("dispatcher:dispatcher_test - expected error, got nil")
	}
	if decoded.Error.Code != "NOT_FOUND" {
		t.Errorf("dispatcher:dispatcher_test - expected NOT_FOUND, got %s", decoded.Error.Code)
	}
}

func TestDecodeParams_Empty(t *testing.T) {
	var params proposalParams
	if err := decodeParams(&ControlRequest{ID: "x"}, &params); err != nil {
		t.Errorf("dispatcher:dispatcher_test - expected nil error for empty params, got %v", err)
	}
}
