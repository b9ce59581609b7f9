package server

import (
	"net/http"

	"github.com/szaher/converse/internal/cache"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	subject := subjectID(r)

	ctx, cancel := s.storageCtx(r.Context())
	defer cancel()

	metas, err := s.cache.List(ctx, subject)
	if err != nil {
		s.metrics.CacheFailure("list")
		s.logger.Error("listing conversations failed", "subject", subject, "error", err)
		writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "Conversation storage is not reachable")
		return
	}
	if metas == nil {
		metas = []cache.ConversationMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": metas})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	subject := subjectID(r)
	conversationID := r.PathValue("id")
	if err := cache.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx, cancel := s.storageCtx(r.Context())
	defer cancel()

	deleted, err := s.cache.Delete(ctx, subject, conversationID)
	if err != nil {
		s.metrics.CacheFailure("delete")
		s.logger.Error("deleting conversation failed", "subject", subject, "conversation", conversationID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "cache_unavailable", "Conversation storage is not reachable")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "Conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": conversationID})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	subject := subjectID(r)

	quotas := make(map[string]int64, len(s.limiters))
	for _, limiter := range s.limiters {
		ctx, cancel := s.storageCtx(r.Context())
		available, err := limiter.Available(ctx, subject)
		cancel()
		if err != nil {
			s.logger.Error("reading quota failed", "limiter", limiter.Name(), "error", err)
			writeError(w, http.StatusServiceUnavailable, "quota_unavailable", "Quota storage is not reachable")
			return
		}
		quotas[limiter.Name()] = available
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"available": quotas})
}
