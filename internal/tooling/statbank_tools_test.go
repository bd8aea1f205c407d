package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"boliganalyse/internal/domain"
	"boliganalyse/internal/statbank"
)

// fakeStatbank serves /tableinfo and /data for BOL101 and rejects every other
// table id the way the real API does.
func fakeStatbank(t *testing.T, seen *[]map[string]any) *statbank.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &body)
		if seen != nil {
			*seen = append(*seen, body)
		}
		switch r.URL.Path {
		case "/subjects", "/tables":
			w.Write([]byte(`[{"id":"02","description":"Befolkning"}]`))
			return
		}
		if body["table"] != "BOL101" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"errorTypeCode":"TableNotFound","message":"Table not found"}`))
			return
		}
		switch r.URL.Path {
		case "/tableinfo":
			w.Write([]byte(`{"id":"BOL101","variables":[{"id":"OMRÅDE"}]}`))
		case "/data":
			if body["format"] == "CSV" {
				w.Write([]byte("OMRÅDE;TID;INDHOLD\nHele landet;2023;100\n"))
				return
			}
			w.Write([]byte(`{"class":"dataset","value":[100]}`))
		}
	}))
	t.Cleanup(server.Close)
	return statbank.New(
		statbank.WithBaseURL(server.URL),
		statbank.WithRateLimit(0),
		statbank.WithRetryWait(time.Millisecond, time.Millisecond),
	)
}

func statbankRegistry(t *testing.T, seen *[]map[string]any) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterStatbankTools(reg, fakeStatbank(t, seen), ""); err != nil {
		t.Fatalf("RegisterStatbankTools: %v", err)
	}
	return reg
}

// =============================================================================
// Registration
// =============================================================================

func TestRegisterStatbankTools_ShouldRegisterFourTools(t *testing.T) {
	list := statbankRegistry(t, nil).List()
	want := []string{"get_subjects", "get_table_data", "get_table_info", "get_tables"}
	if len(list) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(list))
	}
	for i, w := range want {
		if list[i].Name != w {
			t.Errorf("tool %d = %s, want %s", i, list[i].Name, w)
		}
	}
}

func TestNewStatbankTools_WhenAPINil_ShouldPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	NewStatbankTools(nil, "da")
}

// =============================================================================
// Invocation
// =============================================================================

func TestTableInfoTool_WhenValid_ShouldReturnUpstreamJSON(t *testing.T) {
	var seen []map[string]any
	reg := statbankRegistry(t, &seen)
	res := reg.Invoke(context.Background(), call("get_table_info", `{"tableId":"BOL101"}`))
	if !res.OK() {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	if string(res.Payload) != `{"id":"BOL101","variables":[{"id":"OMRÅDE"}]}` {
		t.Errorf("unexpected payload %s", res.Payload)
	}
	if seen[0]["lang"] != "en" {
		t.Errorf("expected default lang en, got %v", seen[0]["lang"])
	}
}

func TestTableDataTool_WhenTableRejected_ShouldReturnExecutionFailedWithStatus(t *testing.T) {
	reg := statbankRegistry(t, nil)
	res := reg.Invoke(context.Background(), call("get_table_data", `{"tableId":"NOPE"}`))
	if res.OK() || res.Failure.Kind != domain.ToolExecutionFailed {
		t.Fatalf("expected tool_execution_failed, got %+v", res)
	}
	if res.Failure.StatusCode != 400 || res.Failure.Retryable || res.Failure.Details != "Table not found" {
		t.Errorf("unexpected failure: %+v", res.Failure)
	}
}

func TestTableDataTool_WhenFormatInvalid_ShouldReturnInvalidArgumentsWithoutUpstreamCall(t *testing.T) {
	var seen []map[string]any
	reg := statbankRegistry(t, &seen)
	res := reg.Invoke(context.Background(), call("get_table_data", `{"tableId":"BOL101","format":"PDF"}`))
	if res.OK() || res.Failure.Kind != domain.ToolInvalidArguments {
		t.Fatalf("expected invalid_arguments, got %+v", res)
	}
	if len(seen) != 0 {
		t.Errorf("expected no upstream call, got %d", len(seen))
	}
}

func TestTableDataTool_ShouldDefaultToJSONStatAndSendVariables(t *testing.T) {
	var seen []map[string]any
	reg := statbankRegistry(t, &seen)
	res := reg.Invoke(context.Background(), call("get_table_data",
		`{"tableId":"BOL101","variables":[{"code":"OMRÅDE","values":["000"]}],"lang":"da"}`))
	if !res.OK() {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	if seen[0]["format"] != "JSONSTAT" || seen[0]["lang"] != "da" {
		t.Errorf("unexpected request %v", seen[0])
	}
	vars, _ := seen[0]["variables"].([]any)
	if len(vars) != 1 {
		t.Errorf("expected one variable selection, got %v", seen[0]["variables"])
	}
}

func TestTableDataTool_WhenCSV_ShouldWrapPayload(t *testing.T) {
	reg := statbankRegistry(t, nil)
	res := reg.Invoke(context.Background(), call("get_table_data", `{"tableId":"BOL101","format":"CSV"}`))
	if !res.OK() {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	var w wrappedPayload
	if err := json.Unmarshal(res.Payload, &w); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if w.Format != "CSV" || w.Truncated || !strings.HasPrefix(w.Data, "OMRÅDE;TID") {
		t.Errorf("unexpected wrapped payload %+v", w)
	}
}

func TestSubjectsTool_ShouldAcceptEmptyArguments(t *testing.T) {
	reg := statbankRegistry(t, nil)
	res := reg.Invoke(context.Background(), call("get_subjects", ``))
	if !res.OK() || !strings.Contains(string(res.Payload), "Befolkning") {
		t.Errorf("unexpected result %+v", res)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func TestUpstreamFailure_ShouldClassifyErrors(t *testing.T) {
	var execErr *ExecutionError

	err := upstreamFailure(&statbank.APIError{Endpoint: "data", StatusCode: 503, Message: "busy"})
	if !errors.As(err, &execErr) || !execErr.Retryable || execErr.StatusCode != 503 {
		t.Errorf("expected retryable 503, got %+v", err)
	}
	err = upstreamFailure(context.DeadlineExceeded)
	if !errors.As(err, &execErr) || execErr.Retryable {
		t.Errorf("expected non-retryable cancellation, got %+v", err)
	}
	err = upstreamFailure(errors.New("connection refused"))
	if !errors.As(err, &execErr) || !execErr.Retryable || execErr.Message != "statbank unavailable" {
		t.Errorf("expected retryable unavailable, got %+v", err)
	}
}

func TestBoundPayload_ShouldTruncateOversizedBodies(t *testing.T) {
	big := []byte(`"` + strings.Repeat("x", maxToolPayload*2) + `"`)
	var w wrappedPayload
	if err := json.Unmarshal(boundPayload("JSON", big), &w); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !w.Truncated || len(w.Data) != maxToolPayload {
		t.Errorf("expected truncated data of %d bytes, got %d truncated=%v", maxToolPayload, len(w.Data), w.Truncated)
	}
}

func TestBoundPayload_WhenBinary_ShouldBase64Encode(t *testing.T) {
	var w wrappedPayload
	json.Unmarshal(boundPayload("XLSX", []byte{0xff, 0xfe, 0x00}), &w)
	if w.Encoding != "base64" || w.Data != "//4A" {
		t.Errorf("unexpected wrapped payload %+v", w)
	}
}
