package storage

import (
	"errors"
	"strings"
	"testing"
)

func TestStorageErrorWrapping(t *testing.T) {
	cause := errors.New("dial tcp: refused")

	tests := []struct {
		name     string
		err      error
		sentinel error
		contains string
	}{
		{"connection", WrapConnectionError("Ping", cause), ErrConnectionFailed, "storage.Ping: "},
		{"query", WrapQueryError("TopRisk", "scored_events", cause), ErrQueryFailed, "storage.TopRisk(scored_events)"},
		{"batch", WrapBatchError("scored_events", cause, 3), ErrBatchInsertFailed, "storage.Insert(scored_events)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
			}
			if !strings.Contains(tt.err.Error(), tt.contains) {
				t.Errorf("Error() = %q, want to contain %q", tt.err.Error(), tt.contains)
			}
			if !strings.Contains(tt.err.Error(), "refused") {
				t.Errorf("Error() = %q, lost the cause", tt.err.Error())
			}
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	if !IsConnectionError(WrapConnectionError("Open", errors.New("x"))) {
		t.Error("IsConnectionError(connection) = false")
	}
	if IsConnectionError(WrapQueryError("Query", "t", errors.New("x"))) {
		t.Error("IsConnectionError(query) = true")
	}
}

func TestWrapBatchErrorRetries(t *testing.T) {
	var se *StorageError
	if !errors.As(WrapBatchError("rejected_events", errors.New("x"), 2), &se) {
		t.Fatal("errors.As failed")
	}
	if se.Retries != 2 || se.Table != "rejected_events" {
		t.Errorf("StorageError = %+v, want Retries 2 on rejected_events", se)
	}
}
