package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/overlaymeet/server/internal/auth"
	"github.com/overlaymeet/server/internal/crypto"
	"github.com/overlaymeet/server/internal/store"
)

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	cipher, err := crypto.New("test-field-secret")
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	verifier := auth.NewStubVerifier("")
	return New(db, cipher, verifier, t.TempDir())
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	h := newTestHandlers(t)
	mux := http.NewServeMux()
	h.Register(mux)
	return httptest.NewServer(mux)
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer resp.Body.Close()
	var v map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return v
}

func TestCreateUserRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/create-user", "", map[string]string{"fullName": "a", "email": "a@b.com"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", resp.StatusCode)
	}
}

func TestCreateUserMissingFields(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/create-user", "tok", map[string]string{"fullName": "a"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body["error"] != "Missing required fields: email" {
		t.Fatalf("unexpected error message: %v", body)
	}
}

func TestCreateUserEmptyFieldsRejected(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/create-user", "tok", map[string]string{"fullName": "   ", "email": "a@b.com"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body["error"] != "fullName cannot be empty or whitespace" {
		t.Fatalf("unexpected error message: %v", body)
	}
}

func TestCreateUserWrongType(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/create-user", "tok", map[string]interface{}{"fullName": 123, "email": "a@b.com"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body["error"] != "fullName must be string(s)" {
		t.Fatalf("unexpected error message: %v", body)
	}
}

func TestCreateUserThenGetUserData(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/create-user", "tok", map[string]string{"fullName": "Alice", "email": "alice@example.com"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", resp.StatusCode)
	}
	var created map[string]string
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	userID := created["id"]
	if userID == "" {
		t.Fatal("expected a user id in the response")
	}

	resp = doJSON(t, srv, "GET", "/api/get-user-data", userID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var got map[string]string
	defer resp.Body.Close()
	json.NewDecoder(resp.Body).Decode(&got)
	if got["fullName"] != "Alice" || got["email"] != "alice@example.com" {
		t.Fatalf("decrypted fields mismatch: %+v", got)
	}
}

func TestCreateUserDuplicateEmailConflicts(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	first := doJSON(t, srv, "POST", "/api/create-user", "tok", map[string]string{"fullName": "Alice", "email": "dup@example.com"})
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", first.StatusCode)
	}
	first.Body.Close()

	second := doJSON(t, srv, "POST", "/api/create-user", "tok", map[string]string{"fullName": "Bob", "email": "dup@example.com"})
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("want 409, got %d", second.StatusCode)
	}
}

func TestGetUserDataNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "GET", "/api/get-user-data", "nonexistent-id", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestScheduleMeetingRequiresISO8601(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/schedule-meeting", "tok", map[string]string{"title": "standup", "scheduledAt": "not-a-date"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body["error"] != "scheduledAt must be an ISO-8601 datetime" {
		t.Fatalf("unexpected error message: %v", body)
	}
}

func TestScheduleMeetingAcceptsNegativeID(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp := doJSON(t, srv, "POST", "/api/schedule-meeting", "tok", map[string]interface{}{
		"id": -5, "title": "standup", "scheduledAt": "2026-08-01T10:00:00Z",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", resp.StatusCode)
	}
	var got map[string]int64
	defer resp.Body.Close()
	json.NewDecoder(resp.Body).Decode(&got)
	if got["id"] != -5 {
		t.Fatalf("expected the negative id to be preserved verbatim, got %d", got["id"])
	}
}

func TestDeleteMeetingTrailingSpaceRouteUnreachable(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	req, _ := http.NewRequest("DELETE", srv.URL+"/api/delete-meeting/1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected the unmatched route to 404, got %d", resp.StatusCode)
	}
}

func TestUploadOverlayMissingFile(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/api/upload-overlay", &buf)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestUploadOverlaySucceeds(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("overlay", "glasses.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte("fake-png-bytes"))
	w.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/api/upload-overlay", &buf)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("want 201, got %d", resp.StatusCode)
	}

	var got store.Overlay
	json.NewDecoder(resp.Body).Decode(&got)
	if got.URL == "" || got.Filename == "" {
		t.Fatalf("expected populated overlay metadata, got %+v", got)
	}
}
