package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/szaher/converse/internal/budget"
	"github.com/szaher/converse/internal/cache"
	"github.com/szaher/converse/internal/llm"
	"github.com/szaher/converse/internal/rag"
	"github.com/szaher/converse/internal/telemetry"
)

type queryRequest struct {
	Query          string   `json:"query"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
}

type queryResponse struct {
	ConversationID string       `json:"conversation_id"`
	Response       string       `json:"response"`
	Truncated      bool         `json:"truncated"`
	ReferencedDocs []string     `json:"referenced_docs,omitempty"`
	TokenUsage     llmUsageJSON `json:"token_usage"`
	Warnings       []string     `json:"warnings,omitempty"`
}

type llmUsageJSON struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// handleQuery runs the full request flow: load history, plan the token
// budget, authorize quota spend, call the model, then persist the turn and
// settle quota against actual usage.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get("X-Correlation-ID"))
	subject := subjectID(r)

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Query must not be empty")
		return
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = cache.NewConversationID()
	} else if err := cache.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	logger := telemetry.RequestLogger(s.logger, ctx, subject, conversationID)

	var warnings []string

	// History read fails open: a storage outage degrades to answering
	// without memory rather than failing the request.
	history := s.loadHistory(ctx, subject, conversationID, logger, &warnings)

	chunks := s.retrieve(ctx, req.Query, logger, &warnings)

	plan, in, err := s.planBudget(req, history, chunks)
	if err != nil {
		if errors.Is(err, budget.ErrPromptTooLong) {
			s.metrics.ObserveQuery("prompt_too_long", time.Since(started))
			writeError(w, http.StatusRequestEntityTooLarge, "prompt_too_long", err.Error())
			return
		}
		s.metrics.ObserveQuery("error", time.Since(started))
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to plan token budget")
		return
	}
	if plan.Truncated {
		s.metrics.PromptTruncated()
	}

	reserved := int64(plan.IncludedTokens(in))
	if !s.authorize(ctx, w, subject, reserved, logger, started) {
		return
	}

	chatReq := s.buildChatRequest(req, history, chunks, plan)
	resp, err := s.llmClient.Chat(ctx, chatReq)
	if err != nil {
		// The reservation was never used; hand it back.
		s.settleQuota(ctx, subject, 0, reserved, logger)
		s.metrics.ObserveQuery("llm_error", time.Since(started))
		logger.Error("LLM call failed", "error", err)
		writeError(w, http.StatusBadGateway, "llm_error", "The model backend failed to answer")
		return
	}

	s.metrics.LLMTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	s.settleQuota(ctx, subject, int64(resp.Usage.Total()), reserved, logger)
	s.recordUsage(ctx, subject, resp.Usage, logger)

	// Cache write failures are non-fatal: the answer is still returned.
	turn := cache.Turn{Query: req.Query, Response: resp.Content, At: time.Now().UTC()}
	if err := s.appendTurn(ctx, subject, conversationID, turn); err != nil {
		logger.Warn("conversation not persisted", "error", err)
		s.metrics.CacheFailure("append")
		warnings = append(warnings, "conversation history could not be persisted")
	}

	s.metrics.ObserveQuery("ok", time.Since(started))
	writeJSON(w, http.StatusOK, queryResponse{
		ConversationID: conversationID,
		Response:       resp.Content,
		Truncated:      plan.Truncated,
		ReferencedDocs: referencedDocs(chunks[:plan.IncludedChunks]),
		TokenUsage: llmUsageJSON{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Warnings: warnings,
	})
}

func (s *Server) loadHistory(ctx context.Context, subject, conversationID string, logger *slog.Logger, warnings *[]string) []cache.Turn {
	getCtx, cancel := s.storageCtx(ctx)
	defer cancel()

	history, err := s.cache.Get(getCtx, subject, conversationID)
	if err != nil {
		logger.Warn("conversation history unavailable, continuing without it", "error", err)
		s.metrics.CacheFailure("get")
		*warnings = append(*warnings, "conversation history was unavailable for this answer")
		return nil
	}
	return history
}

func (s *Server) retrieve(ctx context.Context, query string, logger *slog.Logger, warnings *[]string) []rag.Chunk {
	chunks, err := s.retriever.Retrieve(ctx, query)
	if err != nil {
		logger.Warn("retrieval failed, answering without document context", "error", err)
		*warnings = append(*warnings, "documentation retrieval was unavailable for this answer")
		return nil
	}
	return chunks
}

func (s *Server) planBudget(req queryRequest, history []cache.Turn, chunks []rag.Chunk) (budget.Plan, budget.Input, error) {
	attachmentTokens := 0
	for _, a := range req.Attachments {
		attachmentTokens += s.counter(a)
	}

	chunkTokens := make([]int, len(chunks))
	for i, c := range chunks {
		chunkTokens[i] = c.Tokens
		if chunkTokens[i] == 0 {
			chunkTokens[i] = s.counter(c.Text)
		}
	}

	// Most recent first for the planner's fit-or-stop walk.
	historyTokens := make([]int, len(history))
	for i := range history {
		turn := history[len(history)-1-i]
		historyTokens[i] = llm.CountMessage(s.counter, llm.Message{Role: llm.RoleUser, Content: turn.Query}) +
			llm.CountMessage(s.counter, llm.Message{Role: llm.RoleAssistant, Content: turn.Response})
	}

	in := budget.Input{
		ContextWindow:    s.model.ContextWindow,
		ReservedResponse: s.model.ResponseTokens,
		System:           s.counter(s.model.System),
		Query:            s.counter(req.Query),
		Attachments:      attachmentTokens,
		Chunks:           chunkTokens,
		History:          historyTokens,
	}
	plan, err := budget.Compute(in)
	return plan, in, err
}

// authorize reserves the planned spend on every limiter. Quota exhaustion
// and backend failure both deny; backend failure is the fail-closed branch.
func (s *Server) authorize(ctx context.Context, w http.ResponseWriter, subject string, reserved int64, logger *slog.Logger, started time.Time) bool {
	for i, limiter := range s.limiters {
		consumeCtx, cancel := s.storageCtx(ctx)
		ok, err := limiter.Consume(consumeCtx, subject, reserved)
		cancel()
		if err != nil {
			s.refundReservations(ctx, subject, reserved, i)
			s.metrics.QuotaDenied(limiter.Name(), "backend_unavailable")
			s.metrics.ObserveQuery("quota_unavailable", time.Since(started))
			logger.Error("quota backend unavailable, denying request", "limiter", limiter.Name(), "error", err)
			writeError(w, http.StatusServiceUnavailable, "quota_unavailable",
				"Quota could not be verified; request denied")
			return false
		}
		if !ok {
			s.refundReservations(ctx, subject, reserved, i)
			s.metrics.QuotaDenied(limiter.Name(), "exhausted")
			s.metrics.ObserveQuery("quota_exceeded", time.Since(started))
			logger.Info("quota exceeded", "limiter", limiter.Name(), "requested", reserved)
			writeError(w, http.StatusTooManyRequests, "quota_exceeded",
				fmt.Sprintf("Token quota exceeded for limiter %q", limiter.Name()))
			return false
		}
		s.metrics.QuotaConsumed(limiter.Name(), reserved)
	}
	return true
}

// refundReservations returns the reservation to limiters that already
// granted it before limiter i denied or failed.
func (s *Server) refundReservations(ctx context.Context, subject string, reserved int64, upto int) {
	for _, limiter := range s.limiters[:upto] {
		refundCtx, cancel := s.storageCtx(ctx)
		if err := limiter.Reconcile(refundCtx, subject, 0, reserved); err != nil {
			s.logger.Warn("failed to refund quota reservation", "limiter", limiter.Name(), "error", err)
		}
		cancel()
	}
}

func (s *Server) settleQuota(ctx context.Context, subject string, actual, reserved int64, logger *slog.Logger) {
	for _, limiter := range s.limiters {
		settleCtx, cancel := s.storageCtx(ctx)
		if err := limiter.Reconcile(settleCtx, subject, actual, reserved); err != nil {
			logger.Warn("quota reconciliation failed", "limiter", limiter.Name(), "error", err)
		}
		cancel()
	}
}

func (s *Server) recordUsage(ctx context.Context, subject string, usage llm.TokenUsage, logger *slog.Logger) {
	if s.usage == nil {
		return
	}
	usageCtx, cancel := s.storageCtx(ctx)
	defer cancel()
	if err := s.usage.Record(usageCtx, subject, s.provider, s.model.Model,
		int64(usage.InputTokens), int64(usage.OutputTokens)); err != nil {
		logger.Warn("token usage not recorded", "error", err)
	}
}

func (s *Server) appendTurn(ctx context.Context, subject, conversationID string, turn cache.Turn) error {
	appendCtx, cancel := s.storageCtx(ctx)
	defer cancel()
	return s.cache.Append(appendCtx, subject, conversationID, turn)
}

// buildChatRequest assembles the prompt the plan admitted: retrieval context
// folded into the system prompt, then included history oldest first, then
// the query with attachments.
func (s *Server) buildChatRequest(req queryRequest, history []cache.Turn, chunks []rag.Chunk, plan budget.Plan) llm.ChatRequest {
	system := s.model.System
	if plan.IncludedChunks > 0 {
		var sb strings.Builder
		sb.WriteString(system)
		sb.WriteString("\n\nUse the following documentation excerpts when relevant:\n")
		for _, c := range chunks[:plan.IncludedChunks] {
			sb.WriteString("\n---\n")
			sb.WriteString(c.Text)
		}
		system = sb.String()
	}

	var messages []llm.Message
	// plan.IncludedHistory counts most-recent-first; keep that suffix of
	// the chronological history.
	included := history[len(history)-plan.IncludedHistory:]
	for _, turn := range included {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turn.Query},
			llm.Message{Role: llm.RoleAssistant, Content: turn.Response},
		)
	}

	query := req.Query
	if len(req.Attachments) > 0 {
		query = query + "\n\n" + strings.Join(req.Attachments, "\n\n")
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: query})

	return llm.ChatRequest{
		Model:     s.model.Model,
		System:    system,
		Messages:  messages,
		MaxTokens: s.model.ResponseTokens,
	}
}

func referencedDocs(chunks []rag.Chunk) []string {
	var docs []string
	seen := make(map[string]bool)
	for _, c := range chunks {
		if c.DocURL == "" || seen[c.DocURL] {
			continue
		}
		seen[c.DocURL] = true
		docs = append(docs, c.DocURL)
	}
	return docs
}
