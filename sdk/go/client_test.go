package watchkeepersdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransitionErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/handover/draft/d-1/export" || r.Header.Get("X-Api-Key") != "wk_test" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{
			"code":    "invalid_state_transition",
			"message": "Only signed handovers can be exported",
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "wk_test"
	_, err := c.Export(context.Background(), "d-1", "pdf", nil)
	if !IsTransitionConflict(err, "invalid_state_transition") {
		t.Fatalf("expected invalid_state_transition conflict, got %v", err)
	}
}

func TestGenerateDraftDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"d-1","state":"DRAFT","version":1,"created":true,"sections":[{"bucket_name":"Engineering","items":[{"id":"i-1","summary_text":"x","confidence_level":"HIGH"}]}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	d, err := c.GenerateDraft(context.Background())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !d.Created || d.State != "DRAFT" || len(d.Sections) != 1 || d.Sections[0].Items[0].ConfidenceLevel != "HIGH" {
		t.Fatalf("unexpected draft %+v", d)
	}
}
