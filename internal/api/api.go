// Package api is the REST surface for user, meeting, and overlay CRUD: a
// set of net/http.ServeMux handlers (no router framework, matching the
// teacher's own bare-mux style) backed by internal/store, internal/crypto,
// and internal/auth.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/overlaymeet/server/internal/auth"
	"github.com/overlaymeet/server/internal/crypto"
	"github.com/overlaymeet/server/internal/logx"
	"github.com/overlaymeet/server/internal/store"
)

// Handlers wires the REST surface to its collaborators.
type Handlers struct {
	store    *store.Store
	cipher   *crypto.Cipher
	verifier auth.Verifier

	// OverlayDir is where uploaded overlay assets are written; URL is built
	// as "/overlays/<filename>" for the caller to serve via a file server.
	OverlayDir string
}

// New builds Handlers.
func New(s *store.Store, c *crypto.Cipher, v auth.Verifier, overlayDir string) *Handlers {
	return &Handlers{store: s, cipher: c, verifier: v, OverlayDir: overlayDir}
}

// Register installs every route from spec §6 onto mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/create-user", h.withAuth(h.createUser))
	mux.HandleFunc("GET /api/get-all-overlays", h.withAuth(h.getAllOverlays))
	mux.HandleFunc("DELETE /api/delete_overlay/{id}", h.withAuth(h.deleteOverlay))
	mux.HandleFunc("POST /api/upload-overlay", h.withAuth(h.uploadOverlay))
	mux.HandleFunc("POST /api/schedule-meeting", h.withAuth(h.scheduleMeeting))
	// Preserved verbatim: a trailing space in the registered pattern, per
	// spec §9's note that DELETE /api/delete-meeting/<space> 404s through
	// routing quirks in the source and that behaviour is not "fixed" here.
	mux.HandleFunc("DELETE /api/delete-meeting/ ", h.withAuth(h.deleteMeeting))
	mux.HandleFunc("PUT /api/update-meeting/{id}", h.withAuth(h.updateMeeting))
	mux.HandleFunc("GET /api/get-all-meetings", h.withAuth(h.getAllMeetings))
	mux.HandleFunc("GET /api/get-user-data", h.withAuth(h.getUserData))
	mux.HandleFunc("PUT /api/update-user-name", h.withAuth(h.updateUserName))
	mux.HandleFunc("DELETE /api/delete-user", h.withAuth(h.deleteUser))
}

// withAuth validates the Authorization: Bearer <token> header against the
// configured Verifier and passes the resolved user id to next as its
// userID argument.
func (h *Handlers) withAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		token := strings.TrimPrefix(authz, "Bearer ")
		if token == authz || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		userID, err := h.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r, userID)
	}
}

// --- validation helpers -----------------------------------------------

// requireFields checks that every name in names is present in body, a
// non-empty string, and not all-whitespace. The checks run in that order;
// the first one that fails writes a response naming every field that fails
// it and returns ok=false, matching the
// "Missing required fields: ..." / "...must be string(s)" /
// "...cannot be empty..." wording from spec §6.
func requireFields(w http.ResponseWriter, body map[string]interface{}, names ...string) (map[string]string, bool) {
	var missing []string
	for _, n := range names {
		if _, ok := body[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing required fields: %s", strings.Join(missing, ", ")))
		return nil, false
	}

	values := make(map[string]string, len(names))
	var wrongType []string
	for _, n := range names {
		s, ok := body[n].(string)
		if !ok {
			wrongType = append(wrongType, n)
			continue
		}
		values[n] = s
	}
	if len(wrongType) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be string(s)", strings.Join(wrongType, ", ")))
		return nil, false
	}

	var empty []string
	for _, n := range names {
		if strings.TrimSpace(values[n]) == "" {
			empty = append(empty, n)
		}
	}
	if len(empty) > 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s cannot be empty or whitespace", strings.Join(empty, ", ")))
		return nil, false
	}

	return values, true
}

func parseISO8601(w http.ResponseWriter, value string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduledAt must be an ISO-8601 datetime")
		return time.Time{}, false
	}
	return t, true
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed JSON body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Error("api: failed to encode response", err, nil)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError translates a store error into the §7 taxonomy: not-found
// and duplicate become their specific statuses, anything else is an
// unexpected downstream domain error reported with the driver's message.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case err == store.ErrNotFound:
		writeError(w, http.StatusNotFound, "Not found")
	case err == store.ErrDuplicateEmail:
		writeError(w, http.StatusConflict, "This email is already registered")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// --- handlers ------------------------------------------------------------

func (h *Handlers) createUser(w http.ResponseWriter, r *http.Request, _ string) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	fields, ok := requireFields(w, body, "fullName", "email")
	if !ok {
		return
	}

	fullNameEnc, err := h.cipher.Encrypt(fields["fullName"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	emailEnc, err := h.cipher.Encrypt(fields["email"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	u := &store.User{ID: uuid.NewString(), FullNameEnc: fullNameEnc, EmailEnc: emailEnc}
	if err := h.store.CreateUser(u); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": u.ID})
}

func (h *Handlers) getUserData(w http.ResponseWriter, r *http.Request, userID string) {
	u, err := h.store.GetUser(userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	fullName, err := h.cipher.Decrypt(u.FullNameEnc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	email, err := h.cipher.Decrypt(u.EmailEnc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       u.ID,
		"fullName": fullName,
		"email":    email,
	})
}

func (h *Handlers) updateUserName(w http.ResponseWriter, r *http.Request, userID string) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	fields, ok := requireFields(w, body, "fullName")
	if !ok {
		return
	}
	fullNameEnc, err := h.cipher.Encrypt(fields["fullName"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if err := h.store.UpdateUserName(userID, fullNameEnc); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) deleteUser(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.store.DeleteUser(userID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) scheduleMeeting(w http.ResponseWriter, r *http.Request, userID string) {
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	fields, ok := requireFields(w, body, "title", "scheduledAt")
	if !ok {
		return
	}
	scheduledAt, ok := parseISO8601(w, fields["scheduledAt"])
	if !ok {
		return
	}

	// id is accepted verbatim, including negative or zero, if the caller
	// supplies one — spec §9 flags this as unvalidated source behaviour.
	var id int64
	if raw, present := body["id"]; present {
		if n, ok := raw.(float64); ok {
			id = int64(n)
		}
	} else {
		id = time.Now().UnixNano()
	}

	m := &store.Meeting{ID: id, Title: fields["title"], ScheduledAt: scheduledAt, HostUserID: userID}
	if err := h.store.CreateMeeting(m); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": m.ID})
}

func (h *Handlers) updateMeeting(w http.ResponseWriter, r *http.Request, _ string) {
	id, ok := parseMeetingID(w, r.PathValue("id"))
	if !ok {
		return
	}
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	fields, ok := requireFields(w, body, "title", "scheduledAt")
	if !ok {
		return
	}
	scheduledAt, ok := parseISO8601(w, fields["scheduledAt"])
	if !ok {
		return
	}
	if err := h.store.UpdateMeeting(id, fields["title"], scheduledAt); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) deleteMeeting(w http.ResponseWriter, r *http.Request, _ string) {
	// Unreachable via the registered pattern (see Register's comment); kept
	// so the handler exists if routing is ever corrected.
	writeError(w, http.StatusNotFound, "Not found")
}

func (h *Handlers) getAllMeetings(w http.ResponseWriter, r *http.Request, _ string) {
	meetings, err := h.store.GetAllMeetings()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meetings)
}

func (h *Handlers) getAllOverlays(w http.ResponseWriter, r *http.Request, _ string) {
	overlays, err := h.store.GetAllOverlays()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overlays)
}

func (h *Handlers) deleteOverlay(w http.ResponseWriter, r *http.Request, _ string) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if err := h.store.DeleteOverlay(id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) uploadOverlay(w http.ResponseWriter, r *http.Request, userID string) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, fh, err := r.FormFile("overlay")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing required fields: overlay")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.OverlayDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	id := uuid.NewString()
	ext := filepath.Ext(fh.Filename)
	filename := id + ext
	dst := filepath.Join(h.OverlayDir, filename)

	out, err := os.Create(dst)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	o := &store.Overlay{
		ID:          id,
		OwnerUserID: userID,
		URL:         "/overlays/" + filename,
		Filename:    filename,
	}
	if err := h.store.CreateOverlay(o); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func parseMeetingID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "id must be an integer")
		return 0, false
	}
	return id, true
}
