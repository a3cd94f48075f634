package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]string{"id": "abc"})

	if rr.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json content type, got %q", ct)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["id"] != "abc" {
		t.Errorf("expected id=abc, got %q", body["id"])
	}
}

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusBadRequest, "bad input")

	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp.Error != "bad input" {
		t.Errorf("expected error=%q, got %q", "bad input", resp.Error)
	}
	if resp.Code != "" {
		t.Errorf("expected empty code, got %q", resp.Code)
	}
}

func TestWriteErrorWithCode(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteErrorWithCode(rr, http.StatusNotFound, "job not found", "NOT_FOUND")

	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if resp.Code != "NOT_FOUND" {
		t.Errorf("expected code=NOT_FOUND, got %q", resp.Code)
	}
}

func TestRequireMethod_Match(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rr := httptest.NewRecorder()
	if !RequireMethod(rr, req, http.MethodGet, http.MethodHead) {
		t.Fatal("expected RequireMethod to return true for matching method")
	}
}

func TestRequireMethod_Mismatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/jobs", nil)
	rr := httptest.NewRecorder()
	if RequireMethod(rr, req, http.MethodGet, http.MethodPost) {
		t.Fatal("expected RequireMethod to return false for non-matching method")
	}
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != "GET, POST" {
		t.Errorf("expected Allow header listing permitted methods, got %q", rr.Header().Get("Allow"))
	}
}

func TestDecodeJSON_Valid(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"queue":"gemini:generate"}`))
	rr := httptest.NewRecorder()

	var body struct {
		Queue string `json:"queue"`
	}
	if !DecodeJSON(rr, req, &body) {
		t.Fatal("expected DecodeJSON to succeed")
	}
	if body.Queue != "gemini:generate" {
		t.Errorf("expected queue=gemini:generate, got %q", body.Queue)
	}
}

func TestDecodeJSON_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`not json`))
	rr := httptest.NewRecorder()

	var body map[string]string
	if DecodeJSON(rr, req, &body) {
		t.Fatal("expected DecodeJSON to fail on invalid JSON")
	}
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestDecodeJSON_NilBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
	req.Body = nil
	rr := httptest.NewRecorder()

	var body map[string]string
	if DecodeJSON(rr, req, &body) {
		t.Fatal("expected DecodeJSON to fail on nil body")
	}
}

func TestPathParam_WithSuffix(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/jobs/abc-123/abort", nil)
	if got := PathParam(req, "/api/jobs/", "/abort"); got != "abc-123" {
		t.Errorf("PathParam() = %q, want %q", got, "abc-123")
	}
}

func TestPathParam_NoSuffix(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/abc-123", nil)
	if got := PathParam(req, "/api/jobs/", ""); got != "abc-123" {
		t.Errorf("PathParam() = %q, want %q", got, "abc-123")
	}
}

func TestPathParam_NoSuffixWithTrailingSegment(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/abc-123/priority", nil)
	if got := PathParam(req, "/api/jobs/", ""); got != "abc-123" {
		t.Errorf("PathParam() = %q, want %q", got, "abc-123")
	}
}

func TestPathParam_PrefixMismatch(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/other/abc-123", nil)
	if got := PathParam(req, "/api/jobs/", ""); got != "" {
		t.Errorf("PathParam() = %q, want empty string", got)
	}
}
