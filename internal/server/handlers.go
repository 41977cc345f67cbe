package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/domovoy-ai/domovoy/internal/habr"
	"github.com/domovoy-ai/domovoy/internal/pipeline"
	"github.com/domovoy-ai/domovoy/internal/policy"
	"github.com/domovoy-ai/domovoy/internal/search"
	"github.com/domovoy-ai/domovoy/internal/telegram"
)

// ─── Wire types ────────────────────────────────────────────────────────────────

type commandRequest struct {
	UserID         string `json:"user_id"`
	Command        string `json:"command"`
	IncludeContext *bool  `json:"include_context,omitempty"`
	IncludeAudio   bool   `json:"include_audio,omitempty"`
}

type commandMetadata struct {
	Pipeline   *pipeline.Metrics          `json:"pipeline,omitempty"`
	Execution  *pipeline.ExecutionSummary `json:"execution,omitempty"`
	Sources    []string                   `json:"sources,omitempty"`
	Articles   []habr.Article             `json:"articles,omitempty"`
	AudioError string                     `json:"audio_error,omitempty"`
}

type commandResponse struct {
	Type              string            `json:"type"`
	Response          string            `json:"response"`
	Intent            pipeline.Intent   `json:"intent,omitempty"`
	Actions           []pipeline.Action `json:"actions,omitempty"`
	NeedsConfirmation bool              `json:"needs_confirmation,omitempty"`
	AudioURL          string            `json:"audio_url,omitempty"`
	Metadata          *commandMetadata  `json:"metadata,omitempty"`
}

type confirmRequest struct {
	UserID    string          `json:"user_id"`
	Plan      json.RawMessage `json:"plan,omitempty"`
	Confirmed bool            `json:"confirmed"`
}

type confirmResponse struct {
	Success bool                       `json:"success"`
	Message string                     `json:"message"`
	Results *pipeline.ExecutionSummary `json:"results,omitempty"`
}

type contextResponse struct {
	Config           map[string]any `json:"config"`
	TotalEntities    int            `json:"total_entities"`
	Areas            []string       `json:"areas"`
	EntitiesByDomain map[string]int `json:"entities_by_domain"`
}

type searchRequest struct {
	Query       string `json:"query"`
	RecencyDays int    `json:"recency_days,omitempty"`
	Category    string `json:"category,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type searchMetadata struct {
	Policy   policy.RecencyDecision `json:"policy"`
	Cached   bool                   `json:"cached,omitempty"`
	Degraded bool                   `json:"degraded,omitempty"`
}

type searchResponse struct {
	Answer   string          `json:"answer"`
	Sources  []string        `json:"sources"`
	Category policy.Category `json:"category"`
	Recency  string          `json:"recency,omitempty"`
	Metadata *searchMetadata `json:"metadata,omitempty"`
}

type habrSearchResponse struct {
	Articles []habr.Article `json:"articles"`
	Count    int            `json:"count"`
}

type telegramSendRequest struct {
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramSendResponse struct {
	Success bool `json:"success"`
}

// ─── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.cmds == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "user_id and command are required")
		return
	}

	includeContext := true
	if req.IncludeContext != nil {
		includeContext = *req.IncludeContext
	}
	channel := pipeline.ChannelText
	if req.IncludeAudio {
		channel = pipeline.ChannelVoice
	}

	resp := s.cmds.Process(r.Context(), pipeline.Request{
		UserID:         req.UserID,
		Command:        req.Command,
		Channel:        channel,
		IncludeContext: includeContext,
		IncludeAudio:   req.IncludeAudio,
	})
	s.metrics.RecordCommand(r.Context(), string(resp.Intent), string(resp.Type))

	out := commandResponse{
		Type:              string(resp.Type),
		Response:          resp.Text,
		Intent:            resp.Intent,
		Actions:           resp.Actions,
		NeedsConfirmation: resp.NeedsConfirmation,
	}
	if resp.Audio != nil {
		out.AudioURL = "/v1/audio/" + s.audio.put(resp.Audio)
	}
	if resp.Pipeline != nil || resp.Execution != nil || len(resp.Sources) > 0 ||
		len(resp.Articles) > 0 || resp.AudioError != "" {
		out.Metadata = &commandMetadata{
			Pipeline:   resp.Pipeline,
			Execution:  resp.Execution,
			Sources:    resp.Sources,
			Articles:   resp.Articles,
			AudioError: resp.AudioError,
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if s.cmds == nil {
		writeError(w, http.StatusServiceUnavailable, "pipeline not configured")
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	// The pending plan is held server-side per user; the echoed plan object
	// in the body is informational only.
	resp := s.cmds.ProcessConfirmation(r.Context(), req.UserID, req.Confirmed, pipeline.ChannelText)

	success := resp.Type != pipeline.PlanErrorResponse
	if resp.Execution != nil {
		success = resp.Execution.Success
	}
	writeJSON(w, http.StatusOK, confirmResponse{
		Success: success,
		Message: resp.Text,
		Results: resp.Execution,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if s.home == nil {
		writeError(w, http.StatusServiceUnavailable, "home assistant not configured")
		return
	}

	hc, err := s.home.GetContext(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	areas := make([]string, 0, len(hc.Areas))
	for _, a := range hc.Areas {
		areas = append(areas, a.Name)
	}
	byDomain := make(map[string]int, len(hc.EntitiesByDomain))
	for domain, states := range hc.EntitiesByDomain {
		byDomain[domain] = len(states)
	}

	writeJSON(w, http.StatusOK, contextResponse{
		Config:           hc.Config,
		TotalEntities:    hc.TotalEntities,
		Areas:            areas,
		EntitiesByDomain: byDomain,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search not configured")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	result, err := s.searcher.Search(r.Context(), search.Request{
		Query:       req.Query,
		RecencyDays: req.RecencyDays,
		Category:    policy.Category(req.Category),
		MaxResults:  req.MaxResults,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	sources := result.Sources
	if sources == nil {
		sources = []string{}
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Answer:   result.Answer,
		Sources:  sources,
		Category: result.Category,
		Recency:  result.Recency,
		Metadata: &searchMetadata{
			Policy:   result.Policy,
			Cached:   result.Cached,
			Degraded: result.Degraded,
		},
	})
}

func (s *Server) handleHabrSearch(w http.ResponseWriter, r *http.Request) {
	if s.articles == nil {
		writeError(w, http.StatusServiceUnavailable, "article search not configured")
		return
	}

	q := habr.Query{
		Text: r.URL.Query().Get("query"),
		Tags: splitCSV(r.URL.Query().Get("tags")),
		Hubs: splitCSV(r.URL.Query().Get("hubs")),
	}
	var err error
	if q.Days, err = intParam(r, "days", 0); err != nil {
		writeError(w, http.StatusBadRequest, "days must be an integer")
		return
	}
	if q.Limit, err = intParam(r, "limit", 10); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	articles, err := s.articles.Search(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if articles == nil {
		articles = []habr.Article{}
	}

	writeJSON(w, http.StatusOK, habrSearchResponse{
		Articles: articles,
		Count:    len(articles),
	})
}

func (s *Server) handleTelegramSend(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil || !s.notifier.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "telegram not configured")
		return
	}

	var req telegramSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.ParseMode == "" {
		req.ParseMode = telegram.ParseModeMarkdown
	}

	ok, err := s.notifier.Send(r.Context(), telegram.Message{
		Text:      req.Text,
		ParseMode: req.ParseMode,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, telegramSendResponse{Success: ok})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	clip, ok := s.audio.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "audio clip not found or expired")
		return
	}
	w.Header().Set("Content-Type", audioContentType(clip.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.Data)
}

// ─── Helpers ───────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// splitCSV parses a comma-separated query parameter into trimmed,
// non-empty values.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func audioContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}
