package bookclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"bookrecord/pkg/domain"
)

func TestClientSendsAuthAndDecodes(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/books":
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
				_ = json.NewEncoder(w).Encode(AddResult{ID: 3, Event: domain.Event{Seq: 4, Kind: domain.EventAddBook, BookID: 3}})
				return
			}
			_ = json.NewEncoder(w).Encode(listBooksResponse{Items: []domain.BookEntry{{ID: 0, Title: "1984"}}, Count: 1})
		case "/books/3":
			_ = json.NewEncoder(w).Encode(SetCompletedResult{ID: 3, Completed: true})
		case "/books/completed":
			_, _ = w.Write([]byte(`{"items":null,"count":0}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	ctx := context.Background()

	added, err := c.AddBook(ctx, NewBook{Title: "The Great Gatsby", Year: 1925, Author: "F. Scott Fitzgerald"})
	if err != nil {
		t.Fatalf("add book: %v", err)
	}
	if added.ID != 3 || added.Event.Kind != domain.EventAddBook {
		t.Fatalf("unexpected add result: %+v", added)
	}
	if gotAuth != "Bearer tok" || gotMethod != http.MethodPost || gotBody["title"] != "The Great Gatsby" {
		t.Fatalf("unexpected request: auth=%q method=%s body=%v", gotAuth, gotMethod, gotBody)
	}

	res, err := c.SetCompleted(ctx, 3, true)
	if err != nil || !res.Completed {
		t.Fatalf("set completed: %+v %v", res, err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/books/3" || gotBody["completed"] != true {
		t.Fatalf("unexpected patch request: %s %s %v", gotMethod, gotPath, gotBody)
	}

	books, err := c.Books(ctx)
	if err != nil || len(books) != 1 || books[0].Title != "1984" {
		t.Fatalf("books: %+v %v", books, err)
	}
	done, err := c.CompletedBooks(ctx)
	if err != nil || done == nil || len(done) != 0 {
		t.Fatalf("completed books should be an empty non-nil slice: %#v %v", done, err)
	}
}

func TestClientEventsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" || r.URL.Query().Get("after") != "7" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected query: %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode(listEventsResponse{Items: []domain.Event{{Seq: 8}, {Seq: 9}}, Count: 2})
	}))
	defer srv.Close()

	events, err := New(srv.URL, "tok").Events(context.Background(), 7, 2)
	if err != nil || len(events) != 2 || events[1].Seq != 9 {
		t.Fatalf("events: %+v %v", events, err)
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"book not found","code":"BOOK_NOT_FOUND","requestId":"r-1"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").SetCompleted(context.Background(), 9, true)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "BOOK_NOT_FOUND" || apiErr.RequestID != "r-1" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound should match")
	}
}

func TestClientErrorWithoutBodyUsesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL, "").Healthz(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "502 Bad Gateway" {
		t.Fatalf("unexpected error: %v", err)
	}
}
