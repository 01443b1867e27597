package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skiffapp/skiff/internal/schema"
)

func testRecord(id string) *schema.Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &schema.Record{
		ID:        id,
		OwnerID:   "owner-1",
		Title:     "task",
		ListKey:   "todo",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestFetchAll(t *testing.T) {
	var gotPath, gotOwner string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotOwner = r.URL.Query().Get("owner")
		json.NewEncoder(w).Encode([]*schema.Record{testRecord("a"), testRecord("b")})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	records, err := a.FetchAll(context.Background(), "owner-1", schema.TableTasks)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("fetched %d records, want 2", len(records))
	}
	if gotPath != "/tables/tasks" {
		t.Errorf("path = %q", gotPath)
	}
	if gotOwner != "owner-1" {
		t.Errorf("owner = %q", gotOwner)
	}
}

func TestApplyPostsOperation(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var rec schema.Record
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(&rec)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	applied, err := a.Apply(context.Background(), schema.TableTasks, schema.OpInsert, testRecord("a"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if gotPath != "/tables/tasks/insert" {
		t.Errorf("path = %q", gotPath)
	}
	if applied == nil || applied.ID != "a" {
		t.Errorf("applied = %v", applied)
	}
}

func TestApplyNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	applied, err := a.Apply(context.Background(), schema.TableTasks, schema.OpDelete, testRecord("a"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if applied != nil {
		t.Errorf("applied = %v, want nil", applied)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusRequestTimeout, ErrTransient},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusBadRequest, ErrPermanent},
		{http.StatusUnprocessableEntity, ErrPermanent},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		a := NewHTTPAdapter(srv.URL, nil)
		_, err := a.Apply(context.Background(), schema.TableTasks, schema.OpUpdate, testRecord("a"))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d classified as %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

func TestConflictCarriesCurrentRecord(t *testing.T) {
	current := testRecord("a")
	current.Title = "remote edit"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(current)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	_, err := a.Apply(context.Background(), schema.TableTasks, schema.OpUpdate, testRecord("a"))

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Apply = %v, want ConflictError", err)
	}
	if conflict.Current == nil || conflict.Current.Title != "remote edit" {
		t.Errorf("conflict current = %v", conflict.Current)
	}
}

// A 409 without the current record cannot drive last-write-wins; it is
// parked as permanent instead of retried forever.
func TestConflictWithoutBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, nil)
	_, err := a.Apply(context.Background(), schema.TableTasks, schema.OpUpdate, testRecord("a"))
	if !errors.Is(err, ErrPermanent) {
		t.Errorf("bodyless conflict = %v, want ErrPermanent", err)
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	a := NewHTTPAdapter(srv.URL, nil)
	if _, err := a.Apply(context.Background(), schema.TableTasks, schema.OpUpdate, testRecord("a")); !errors.Is(err, ErrTransient) {
		t.Errorf("connection refusal = %v, want ErrTransient", err)
	}
	if _, err := a.FetchAll(context.Background(), "owner-1", schema.TableTasks); !errors.Is(err, ErrTransient) {
		t.Errorf("fetch refusal = %v, want ErrTransient", err)
	}
}
