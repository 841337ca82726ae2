package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "key123" {
			t.Errorf("subscription token = %q", got)
		}
		if got := r.URL.Query().Get("q"); got != "go agent harness" {
			t.Errorf("query = %q", got)
		}
		if got := r.URL.Query().Get("count"); got != "3" {
			t.Errorf("count = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]string{
					{"title": "First", "url": "https://a.example", "description": "about a"},
					{"title": "Second", "url": "https://b.example", "description": "about b"},
				},
			},
		})
	}))
	defer srv.Close()

	orig := braveEndpoint
	braveEndpoint = srv.URL
	defer func() { braveEndpoint = orig }()

	b := NewBrave("key123")
	results, err := b.Search(context.Background(), "go agent harness", Options{Count: 3})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 2 || results[0].Title != "First" || results[1].URL != "https://b.example" {
		t.Errorf("results = %+v", results)
	}
}

func TestBraveSearchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	orig := braveEndpoint
	braveEndpoint = srv.URL
	defer func() { braveEndpoint = orig }()

	b := NewBrave("key123")
	if _, err := b.Search(context.Background(), "q", Options{}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestToolHandlerReturnsJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]string{
					{"title": "Only", "url": "https://only.example"},
				},
			},
		})
	}))
	defer srv.Close()

	orig := braveEndpoint
	braveEndpoint = srv.URL
	defer func() { braveEndpoint = orig }()

	handler := ToolHandler(NewBrave("k"))
	out, err := handler(context.Background(), map[string]any{"query": "anything"})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var results []Result
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("result not JSON: %q", out)
	}
	if len(results) != 1 || results[0].Title != "Only" {
		t.Errorf("results = %+v", results)
	}
}

func TestToolHandlerRequiresQuery(t *testing.T) {
	handler := ToolHandler(NewBrave("k"))
	if _, err := handler(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing query")
	}
}

func TestFormatResults(t *testing.T) {
	out := FormatResults([]Result{
		{Title: "A", URL: "https://a", Snippet: "sa"},
		{Title: "B", URL: "https://b"},
	}, 10)
	if !strings.Contains(out, "1. A") || !strings.Contains(out, "2. B") {
		t.Errorf("FormatResults() = %q", out)
	}

	if got := FormatResults(nil, 5); got != "No results found." {
		t.Errorf("empty = %q", got)
	}
}
