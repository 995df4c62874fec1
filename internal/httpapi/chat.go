package httpapi

import (
	"context"
	"log"
	"net/http"
	"strings"

	"loomchat/backend/internal/chat"
	"loomchat/backend/internal/provider"
)

type chatMessageRequest struct {
	ThreadID     string            `json:"threadId"`
	Messages     []providerMessage `json:"messages"`
	Model        string            `json:"model"`
	EnabledTools []string          `json:"enabledTools"`
}

type providerMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toolEnabled(tools []string, name string) bool {
	for _, tool := range tools {
		if strings.EqualFold(strings.TrimSpace(tool), name) {
			return true
		}
	}
	return false
}

// ChatMessages streams one completion exchange as server-sent events. The
// request carries the full message history, the registry model name, and the
// provider API key in the header named by the registry entry. Closing the
// connection is the stop action: the transport aborts and the partial
// message is kept.
func (h Handler) ChatMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing principal")
		return
	}

	if !h.limiter.Allow(principal.UserID + "|" + principal.ProfileID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many chat requests, slow down")
		return
	}

	var req chatMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages are required")
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "threadId is required")
		return
	}

	spec, found := h.registry.Lookup(strings.TrimSpace(req.Model))
	if !found {
		writeError(w, http.StatusBadRequest, "unknown_model", "model is not in the registry")
		return
	}

	apiKey := strings.TrimSpace(r.Header.Get(spec.HeaderKey))
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "missing_api_key", "request is missing the "+spec.HeaderKey+" header")
		return
	}

	streamer, ok := h.streamers[spec.Provider]
	if !ok {
		writeError(w, http.StatusInternalServerError, "provider_unavailable", "no client for provider "+string(spec.Provider))
		return
	}

	webSearch := toolEnabled(req.EnabledTools, "webSearch") && spec.Capabilities.WebSearch
	thinking := toolEnabled(req.EnabledTools, "thinking") && spec.Capabilities.Thinking

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	_ = writeSSEEvent(w, map[string]any{
		"type":      "metadata",
		"model":     spec.Name,
		"provider":  spec.Provider,
		"threadId":  req.ThreadID,
		"webSearch": webSearch,
		"thinking":  thinking,
	})
	flusher.Flush()

	messages := make([]provider.Message, 0, len(req.Messages))
	for _, message := range req.Messages {
		messages = append(messages, provider.Message{Role: message.Role, Content: message.Content})
	}

	// The whole exchange is bounded by the configured ceiling; the client
	// dropping the connection cancels r.Context() and stops the stream.
	streamCtx, cancel := context.WithTimeout(r.Context(), h.cfg.ChatTimeout)
	defer cancel()

	h.metrics.ChatRequests.WithLabelValues(string(spec.Provider)).Inc()

	session := chat.NewSession(streamer, h.data)
	result, err := session.Run(streamCtx, principal.Principal, req.ThreadID, provider.Request{
		Model:     spec.ModelID,
		APIKey:    apiKey,
		Messages:  messages,
		WebSearch: webSearch,
		Thinking:  thinking,
	}, func(event chat.Event) {
		h.metrics.ChatFragments.WithLabelValues(event.Type).Inc()
		_ = writeSSEEvent(w, event)
		flusher.Flush()
	})

	if err != nil {
		h.metrics.ChatErrors.Inc()
		log.Printf("chat stream error: thread_id=%s model=%s err=%v", req.ThreadID, spec.Name, err)
		_ = writeSSEEvent(w, chat.Event{Type: "error", Error: chat.FriendlyError(err)})
		flusher.Flush()
		return
	}

	if result.Stopped {
		log.Printf("chat stream stopped by client: thread_id=%s message_id=%s", req.ThreadID, result.Message.ID)
	}
}
