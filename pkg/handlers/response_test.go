package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		errorCode  string
		message    string
	}{
		{"not found", http.StatusNotFound, "source_not_found", "Unknown source crm"},
		{"conflict", http.StatusConflict, "run_in_progress", "A run of sales is already queued or running"},
		{"internal error", http.StatusInternalServerError, "internal_error", "Failed to list checkpoints"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			if err := ErrorResponse(w, tt.statusCode, tt.errorCode, tt.message); err != nil {
				t.Fatalf("ErrorResponse returned error: %v", err)
			}

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != tt.statusCode {
				t.Errorf("status code = %d, want %d", resp.StatusCode, tt.statusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}

			var body ErrorBody
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode response body: %v", err)
			}
			if body.Error != tt.errorCode || body.Message != tt.message {
				t.Errorf("body = %+v, want error %q message %q", body, tt.errorCode, tt.message)
			}
		})
	}
}

func TestWriteJSON_Status(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusAccepted} {
		w := httptest.NewRecorder()
		if err := WriteJSON(w, status, map[string]string{"run_id": "x"}); err != nil {
			t.Fatalf("WriteJSON returned error: %v", err)
		}
		if w.Code != status {
			t.Errorf("status code = %d, want %d", w.Code, status)
		}
	}
}

func TestWriteJSON_LogsEncodingFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	w := httptest.NewRecorder()

	writeJSON(w, zap.New(core), http.StatusOK, make(chan int))

	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	if msg := logs.All()[0].Message; msg != "Failed to encode response" {
		t.Errorf("unexpected log message %q", msg)
	}
}
