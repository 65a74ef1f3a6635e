package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/howard-nolan/edgeproxy/internal/dispatch"
	"github.com/howard-nolan/edgeproxy/internal/metrics"
	"github.com/howard-nolan/edgeproxy/internal/ocr"
	"github.com/howard-nolan/edgeproxy/internal/provider"
	"github.com/howard-nolan/edgeproxy/internal/search"
	"github.com/howard-nolan/edgeproxy/internal/stream"
)

// Body size limits. OCR uploads arrive base64-encoded, which inflates them
// by a third.
const (
	maxAIBodyBytes  = 1 << 20
	maxOCRBodyBytes = 8 << 20
)

// handleHealth reports that the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// aiRequest is the POST /api/ai body.
type aiRequest struct {
	Prompt string `json:"prompt" validate:"required"`
	Model  string `json:"model" validate:"max=200"`
}

// aiSuccess is returned when some candidate produced text.
type aiSuccess struct {
	Success  bool   `json:"success"`
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// aiFailure is returned when every candidate failed.
type aiFailure struct {
	Success bool               `json:"success"`
	Error   string             `json:"error"`
	Details []provider.Failure `json:"details"`
}

// decodeAI reads and validates the prompt body, writing a 400 on failure.
func (s *Server) decodeAI(w http.ResponseWriter, r *http.Request) (dispatch.Request, bool) {
	var body aiRequest
	if err := decodeJSON(w, r, maxAIBodyBytes, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return dispatch.Request{}, false
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return dispatch.Request{}, false
	}

	req := dispatch.Request{Prompt: body.Prompt, Model: strings.TrimSpace(body.Model)}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return dispatch.Request{}, false
	}
	return req, true
}

// aiResponse maps a dispatch result to its status code and body.
func aiResponse(res *dispatch.Result) (int, any) {
	if res.OK() {
		return http.StatusOK, aiSuccess{
			Success:  true,
			Text:     res.Success.Text,
			Provider: res.Success.Provider,
			Model:    res.Success.Model,
		}
	}
	return http.StatusBadGateway, aiFailure{
		Success: false,
		Error:   dispatch.AllFailedMessage,
		Details: res.Failures,
	}
}

// handleAI handles POST /api/ai: one prompt, sequential fallback, one
// answer.
func (s *Server) handleAI(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeAI(w, r)
	if !ok {
		return
	}

	res, err := s.dispatcher.DispatchWithHook(r.Context(), req, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("X-Dispatch-Id", res.ID)
	status, body := aiResponse(res)
	writeJSON(w, status, body)
}

// progressEvent is the data of an "attempt" or "failure" SSE event.
type progressEvent struct {
	DispatchID string          `json:"dispatchId"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model,omitempty"`
	Reason     provider.Reason `json:"reason,omitempty"`
	Status     int             `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`
	ElapsedMS  int64           `json:"elapsedMs,omitempty"`
}

func newProgressEvent(ev dispatch.Event) progressEvent {
	pe := progressEvent{
		DispatchID: ev.DispatchID,
		Provider:   ev.Candidate.Provider,
		Model:      ev.Candidate.Model,
		ElapsedMS:  ev.Elapsed.Milliseconds(),
	}
	if ev.Outcome != nil && ev.Outcome.Failure != nil {
		pe.Reason = ev.Outcome.Failure.Reason
		pe.Status = ev.Outcome.Failure.Status
		pe.Error = ev.Outcome.Failure.Error
	}
	return pe
}

// handleAIStream handles POST /api/ai/stream. It runs the same dispatch as
// handleAI but reports each attempt as it happens, ending with a "result"
// event that carries the same body /api/ai would return.
func (s *Server) handleAIStream(w http.ResponseWriter, r *http.Request) {
	// --- Step 1: fail with plain JSON while we still can ---
	//
	// Once stream.Write sends the SSE headers the status is locked at 200,
	// so a missing Flusher and bad input are both reported up front.
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	req, ok := s.decodeAI(w, r)
	if !ok {
		return
	}

	// --- Step 2: producer ---
	//
	// The dispatch runs in its own goroutine and turns each hook call into
	// a Message on an unbuffered channel. send gives up when ctx is done,
	// so the producer can't block forever if the consumer below has
	// already returned. cancel also aborts the in-flight attempt.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgs := make(chan stream.Message)
	send := func(m stream.Message) {
		select {
		case msgs <- m:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(msgs)

		res, err := s.dispatcher.DispatchWithHook(ctx, req, func(ev dispatch.Event) {
			// The result event below covers success.
			if ev.Type == dispatch.EventSuccess {
				return
			}
			send(stream.Message{Event: string(ev.Type), Data: newProgressEvent(ev)})
		})
		if err != nil {
			send(stream.Message{Event: "result", Data: errorResponse{Error: err.Error()}})
			return
		}
		_, body := aiResponse(res)
		send(stream.Message{Event: "result", Data: body})
	}()

	// --- Step 3: consumer ---
	//
	// stream.Write drains msgs until the producer closes it. On a write
	// error (usually a client that went away) cancel the dispatch and drain
	// what's left so the goroutine exits before the handler returns.
	if err := stream.Write(w, msgs); err != nil {
		s.logger.Warn("stream aborted",
			zap.String("request_id", requestID(r)),
			zap.Error(err),
		)
		cancel()
		for range msgs {
		}
	}
}

// candidatesResponse is the GET /api/ai/candidates body.
type candidatesResponse struct {
	Success    bool                 `json:"success"`
	Candidates []dispatch.Candidate `json:"candidates"`
}

// handleCandidates reports the chain a prompt would walk, without calling
// any provider.
func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	candidates := s.dispatcher.Candidates(r.URL.Query().Get("model"))
	if candidates == nil {
		candidates = []dispatch.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidatesResponse{Success: true, Candidates: candidates})
}

// ocrSuccess is the POST /api/ocr body on success.
type ocrSuccess struct {
	Success bool `json:"success"`
	*ocr.Result
}

// handleOCR handles POST /api/ocr.
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	status := s.serveOCR(w, r)
	metrics.PassthroughTotal.WithLabelValues("ocr", strconv.Itoa(status)).Inc()
}

func (s *Server) serveOCR(w http.ResponseWriter, r *http.Request) int {
	if !s.ocr.Configured() {
		writeError(w, http.StatusServiceUnavailable, "OCR provider not configured")
		return http.StatusServiceUnavailable
	}

	var req ocr.Request
	if err := decodeJSON(w, r, maxOCRBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return http.StatusBadRequest
	}

	res, err := s.ocr.Recognize(r.Context(), req)
	if err != nil {
		status, msg := ocrErrorStatus(err)
		s.logger.Warn("ocr request failed",
			zap.String("request_id", requestID(r)),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeError(w, status, msg)
		return status
	}

	writeJSON(w, http.StatusOK, ocrSuccess{Success: true, Result: res})
	return http.StatusOK
}

func ocrErrorStatus(err error) (int, string) {
	var upErr *ocr.UpstreamError
	switch {
	case errors.Is(err, ocr.ErrNotConfigured):
		return http.StatusServiceUnavailable, "OCR provider not configured"
	case errors.Is(err, ocr.ErrInvalidFile):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &upErr):
		return http.StatusBadGateway, upErr.Message
	default:
		return http.StatusBadGateway, "OCR request failed"
	}
}

// codeSearchSuccess is the reshaped body for kind "code".
type codeSearchSuccess struct {
	Success bool `json:"success"`
	*search.CodeResults
}

// handleSearch handles GET /api/search/{kind}.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	status := s.serveSearch(w, r)
	metrics.PassthroughTotal.WithLabelValues("search", strconv.Itoa(status)).Inc()
}

func (s *Server) serveSearch(w http.ResponseWriter, r *http.Request) int {
	if !s.search.Configured() {
		writeError(w, http.StatusServiceUnavailable, "search provider not configured")
		return http.StatusServiceUnavailable
	}

	q, err := parseSearchQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return http.StatusBadRequest
	}

	body, err := s.search.Search(r.Context(), q)
	if err != nil {
		var upErr *search.UpstreamError
		status, msg := http.StatusBadGateway, "search request failed"
		switch {
		case errors.Is(err, search.ErrNotConfigured):
			status, msg = http.StatusServiceUnavailable, "search provider not configured"
		case errors.As(err, &upErr):
			status, msg = upErr.Status, upErr.Message
		}
		s.logger.Warn("search request failed",
			zap.String("request_id", requestID(r)),
			zap.String("kind", q.Kind),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeError(w, status, msg)
		return status
	}

	if q.Kind != "code" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return http.StatusOK
	}

	res, err := search.ReshapeCode(body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "unexpected search response")
		return http.StatusBadGateway
	}
	writeJSON(w, http.StatusOK, codeSearchSuccess{Success: true, CodeResults: res})
	return http.StatusOK
}

// parseSearchQuery reads the pass-through parameters and validates them.
func parseSearchQuery(r *http.Request) (search.Query, error) {
	v := r.URL.Query()
	q := search.Query{
		Kind:  chi.URLParam(r, "kind"),
		Q:     strings.TrimSpace(v.Get("q")),
		Sort:  v.Get("sort"),
		Order: v.Get("order"),
	}

	var err error
	if q.PerPage, err = intParam(v.Get("per_page"), "per_page"); err != nil {
		return q, err
	}
	if q.Page, err = intParam(v.Get("page"), "page"); err != nil {
		return q, err
	}

	if err := validate.Struct(q); err != nil {
		return q, errors.New(validationMessage(err))
	}
	return q, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	return n, nil
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
