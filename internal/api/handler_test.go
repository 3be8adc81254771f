//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/supportdesk/internal/chat"
	"github.com/ashureev/supportdesk/internal/store"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusForIsStableAndDistinct(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{chat.ErrInvalidToken, http.StatusNotFound, CodeInvalidToken},
		{chat.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{chat.ErrInvalidState, http.StatusConflict, CodeSessionNotActive},
		{chat.ErrEmptyContent, http.StatusBadRequest, CodeEmptyContent},
		{chat.ErrUnauthorized, http.StatusForbidden, CodeUnauthorized},
		{chat.ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput},
		{fmt.Errorf("create session: %w: %w", chat.ErrStorageUnavailable, errors.New("disk")), http.StatusServiceUnavailable, CodeStorageUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	seen := map[string]bool{}
	for _, tt := range tests {
		status, code := StatusFor(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("StatusFor(%v) = %d/%s, want %d/%s", tt.err, status, code, tt.status, tt.code)
		}
		if seen[code] {
			t.Errorf("code %s reused", code)
		}
		seen[code] = true
	}
}

type downRepo struct {
	store.Repository
}

func (downRepo) Ping(context.Context) error { return errors.New("database is closed") }

type upRepo struct {
	store.Repository
}

func (upRepo) Ping(context.Context) error { return nil }

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(upRepo{}).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	NewHealthHandler(downRepo{}).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || body.Checks["database"] != "unreachable" {
		t.Fatalf("unexpected health body: %+v", body)
	}
}
