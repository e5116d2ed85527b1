package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAdminRequestRoundTrip(t *testing.T) {
	var gotMethod, gotPath, gotContentType string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"state":"PREPARED","sessions_total":3}`))
	}))
	t.Cleanup(srv.Close)

	adminAddr = srv.URL
	var st diffStatus
	err := adminRequest(http.MethodPost, "/admin/diff/prepare", prepareRequest{Main: "primary"}, &st)
	if err != nil {
		t.Fatalf("adminRequest: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("expected POST, got %s", gotMethod)
	}
	if gotPath != "/admin/diff/prepare" {
		t.Fatalf("expected /admin/diff/prepare, got %s", gotPath)
	}
	if gotContentType != "application/json" {
		t.Fatalf("expected json content type, got %q", gotContentType)
	}
	if !strings.Contains(string(gotBody), `"main":"primary"`) {
		t.Fatalf("expected request body to carry main field, got %s", gotBody)
	}
	if st.State != "PREPARED" || st.Total != 3 {
		t.Fatalf("unexpected decoded status: %+v", st)
	}
}

func TestAdminRequestNoBody(t *testing.T) {
	var sawBody bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawBody = r.Header.Get("Content-Type") != ""
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	adminAddr = srv.URL
	if err := adminRequest(http.MethodPost, "/admin/diff/start", nil, nil); err != nil {
		t.Fatalf("adminRequest: %v", err)
	}
	if sawBody {
		t.Fatalf("expected no Content-Type header on a bodyless request")
	}
}

func TestAdminRequestErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"comparator not prepared"}`))
	}))
	t.Cleanup(srv.Close)

	adminAddr = srv.URL
	err := adminRequest(http.MethodPost, "/admin/diff/start", nil, nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if err.Error() != "comparator not prepared" {
		t.Fatalf("expected decoded API error message, got %q", err.Error())
	}
}

func TestAdminRequestUnreachable(t *testing.T) {
	adminAddr = "http://127.0.0.1:1"
	if err := adminRequest(http.MethodGet, "/admin/diff/status", nil, nil); err == nil {
		t.Fatal("expected a connection error")
	}
}
