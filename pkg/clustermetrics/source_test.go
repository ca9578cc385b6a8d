package clustermetrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func fakePrometheus(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
}

func TestCPUAvailableParsesVector(t *testing.T) {
	body := `{
		"status": "success",
		"data": {
			"resultType": "vector",
			"result": [
				{"metric": {"node": "node-a"}, "value": [1700000000, "1.5"]},
				{"metric": {"node": "node-b"}, "value": [1700000000, "2.25"]}
			]
		}
	}`
	srv := fakePrometheus(t, body)
	defer srv.Close()

	src, err := New(srv.URL, "vtscan", slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := src.CPUAvailable(context.Background())
	if err != nil {
		t.Fatalf("CPUAvailable: %v", err)
	}
	if got["node-a"] != 1.5 || got["node-b"] != 2.25 {
		t.Fatalf("CPUAvailable = %v, want node-a=1.5 node-b=2.25", got)
	}
}

func TestQueryUnavailableOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src, err := New(srv.URL, "vtscan", slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src.retry.MaxAttempts = 1

	_, err = src.MemoryAvailable(context.Background())
	if err == nil {
		t.Fatal("expected an error from a failing Prometheus server")
	}
}

func TestNamespaceCPUUsedFormatsNamespaceIntoQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[]}}`))
	}))
	defer srv.Close()

	src, err := New(srv.URL, "vtscan", slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := src.NamespaceCPUUsed(context.Background()); err != nil {
		t.Fatalf("NamespaceCPUUsed: %v", err)
	}

	want := fmt.Sprintf(queryNamespaceCPUUsed, "vtscan")
	if gotQuery != want {
		t.Fatalf("query = %q, want %q", gotQuery, want)
	}
}
