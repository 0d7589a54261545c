package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	tests := []struct {
		err    error
		kind   string
		status int
	}{
		{fmt.Errorf("import a.bq: %w", ErrCorruptBundle), "CorruptBundle", http.StatusUnprocessableEntity},
		{fmt.Errorf("run: %w", ErrEngine), "EngineFailure", http.StatusInternalServerError},
		{fmt.Errorf("post: %w", ErrNetwork), "NetworkFailure", http.StatusBadGateway},
		{fmt.Errorf("task classify: %w", ErrNotImplemented), "NotImplemented", http.StatusNotImplemented},
		{errors.New("plain"), "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := Kind(tt.err); got != tt.kind {
				t.Errorf("Kind = %q, want %q", got, tt.kind)
			}
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("HTTPStatus = %d, want %d", got, tt.status)
			}
		})
	}
}
