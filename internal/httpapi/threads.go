package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"loomchat/backend/internal/store"
)

type threadResponse struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	IsBranch       bool   `json:"isBranch"`
	ParentThreadID string `json:"parentThreadId,omitempty"`
	IsPublic       bool   `json:"isPublic"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
	LastMessageAt  string `json:"lastMessageAt"`
}

func toThreadResponse(thread store.Thread) threadResponse {
	return threadResponse{
		ID:             thread.ID,
		Title:          thread.Title,
		IsBranch:       thread.IsBranch,
		ParentThreadID: thread.ParentThreadID,
		IsPublic:       thread.IsPublic,
		CreatedAt:      store.FormatTime(thread.CreatedAt),
		UpdatedAt:      store.FormatTime(thread.UpdatedAt),
		LastMessageAt:  store.FormatTime(thread.LastMessageAt),
	}
}

func (h Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "only the thread creator may do this")
	default:
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
	}
}

func (h Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	threads, err := h.data.ListThreads(r.Context(), principal.Principal)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	out := make([]threadResponse, 0, len(threads))
	for _, thread := range threads {
		out = append(out, toThreadResponse(thread))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": out})
}

type createThreadRequest struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	IsBranch       bool   `json:"isBranch"`
	ParentThreadID string `json:"parentThreadId"`
}

func (h Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Thread ids are client-generated so offline-created threads keep their
	// identity across migration; mint one only when the client sent none.
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if !validClientID(id) {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must not contain ':'")
		return
	}

	thread := store.Thread{
		ID:             id,
		Title:          strings.Join(strings.Fields(req.Title), " "),
		IsBranch:       req.IsBranch,
		ParentThreadID: strings.TrimSpace(req.ParentThreadID),
	}
	if err := h.data.CreateThread(r.Context(), principal.Principal, thread); err != nil {
		h.writeStoreError(w, err)
		return
	}

	created, err := h.data.GetThread(r.Context(), principal.Principal, id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"thread": toThreadResponse(created)})
}

type updateThreadRequest struct {
	Title    *string `json:"title"`
	IsBranch *bool   `json:"isBranch"`
}

func (h Handler) UpdateThread(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	var req updateThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	patch := store.ThreadPatch{Title: req.Title, IsBranch: req.IsBranch}
	if err := h.data.UpdateThread(r.Context(), principal.Principal, threadID, patch); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) DeleteThread(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	if err := h.data.DeleteThread(r.Context(), principal.Principal, threadID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) DeleteAllThreads(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	if err := h.data.DeleteAllThreads(r.Context(), principal.Principal); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GetThread returns one thread: the caller's own, or one another user made
// visible to them through a share grant or public visibility.
func (h Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	thread, err := h.data.GetThread(r.Context(), principal.Principal, threadID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) || h.gateway == nil {
			h.writeStoreError(w, err)
			return
		}
		if thread, err = h.gateway.GetSharedThread(r.Context(), principal.User.Email, threadID); err != nil {
			h.writeStoreError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"thread": toThreadResponse(thread)})
}

func (h Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	if _, err := h.data.GetThread(r.Context(), principal.Principal, threadID); err != nil {
		// Not the caller's thread; it may still be shared with them.
		if errors.Is(err, store.ErrNotFound) && h.gateway != nil {
			messages, sharedErr := h.gateway.ListSharedMessages(r.Context(), principal.User.Email, threadID)
			if sharedErr != nil {
				h.writeStoreError(w, sharedErr)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
			return
		}
		h.writeStoreError(w, err)
		return
	}

	messages, err := h.data.ListMessages(r.Context(), principal.Principal, threadID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type createMessageRequest struct {
	ID      string               `json:"id"`
	Role    string               `json:"role"`
	Content string               `json:"content"`
	Sources []store.SearchSource `json:"sources"`
}

var validRoles = map[string]struct{}{
	"user": {}, "assistant": {}, "system": {}, "data": {},
}

func (h Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	var req createMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if _, ok := validRoles[req.Role]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "role must be one of user, assistant, system, data")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if !validClientID(id) {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must not contain ':'")
		return
	}

	message := store.Message{
		ID:        id,
		ThreadID:  threadID,
		Role:      req.Role,
		Content:   req.Content,
		Sources:   dedupeSources(req.Sources),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.data.CreateMessage(r.Context(), principal.Principal, message); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": message})
}

type deleteTrailingRequest struct {
	CreatedAt string `json:"createdAt"`
	GTE       *bool  `json:"gte"`
}

// DeleteTrailingMessages truncates a thread at a timestamp: the mechanism
// behind retry (truncate and regenerate) and edit (truncate after the edited
// message).
func (h Handler) DeleteTrailingMessages(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	var req deleteTrailingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	from, err := store.ParseTime(req.CreatedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "createdAt must be formatted as "+store.TimeLayout)
		return
	}

	inclusive := true
	if req.GTE != nil {
		inclusive = *req.GTE
	}

	if err := h.data.DeleteTrailingMessages(r.Context(), principal.Principal, threadID, from, inclusive); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type updateSourcesRequest struct {
	Sources []store.SearchSource `json:"sources"`
}

func (h Handler) UpdateMessageSources(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req updateSourcesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.data.UpdateMessageSources(r.Context(), principal.Principal, messageID, dedupeSources(req.Sources)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type updateReasoningRequest struct {
	Reasoning string `json:"reasoning"`
}

func (h Handler) UpdateMessageReasoning(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req updateReasoningRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.data.UpdateMessageReasoning(r.Context(), principal.Principal, messageID, req.Reasoning); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type createSummaryRequest struct {
	ThreadID string `json:"threadId"`
	Content  string `json:"content"`
}

func (h Handler) CreateMessageSummary(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req createSummaryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "threadId and content are required")
		return
	}

	summary := store.MessageSummary{
		ID:        uuid.NewString(),
		ThreadID:  req.ThreadID,
		MessageID: messageID,
		Content:   strings.TrimSpace(req.Content),
		CreatedAt: time.Now().UTC(),
	}
	if err := h.data.CreateMessageSummary(r.Context(), principal.Principal, summary); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"summary": summary})
}

func (h Handler) ListMessageSummaries(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	summaries, err := h.data.ListMessageSummaries(r.Context(), principal.Principal, threadID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": summaries})
}

type shareThreadRequest struct {
	Emails   []string `json:"emails"`
	CanWrite bool     `json:"canWrite"`
}

// ShareThread and the other sharing endpoints talk to the remote gateway
// directly: grants need server-side authorization, so there is no local
// equivalent and no fallback.
func (h Handler) ShareThread(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	if h.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "sharing_unavailable", "no remote database is configured")
		return
	}

	var req shareThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Emails) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "emails are required")
		return
	}

	if err := h.gateway.ShareThread(r.Context(), principal.UserID, threadID, req.Emails, req.CanWrite); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h Handler) UnshareThread(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")
	email := chi.URLParam(r, "email")

	if h.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "sharing_unavailable", "no remote database is configured")
		return
	}

	if err := h.gateway.UnshareThread(r.Context(), principal.UserID, threadID, email); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type setPublicRequest struct {
	IsPublic bool `json:"isPublic"`
}

func (h Handler) SetThreadPublic(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	if h.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "sharing_unavailable", "no remote database is configured")
		return
	}

	var req setPublicRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.gateway.SetThreadPublic(r.Context(), principal.UserID, threadID, req.IsPublic); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Migrate copies the caller's anonymous local records to their remote
// account. Run once after sign-in; safe to run again.
func (h Handler) Migrate(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())

	migrated, err := h.data.MigrateLocalToRemote(r.Context(), principal.Principal)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "migrated": migrated})
}

// validClientID rejects ids that would break the local store's composite
// keys, which use ':' as the component separator.
func validClientID(id string) bool {
	return !strings.Contains(id, ":")
}

// dedupeSources drops duplicate URLs while keeping first-seen order.
func dedupeSources(sources []store.SearchSource) []store.SearchSource {
	if len(sources) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(sources))
	out := make([]store.SearchSource, 0, len(sources))
	for _, source := range sources {
		url := strings.TrimSpace(source.URL)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		source.URL = url
		out = append(out, source)
	}
	return out
}
