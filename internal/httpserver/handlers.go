package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ineyio/speechquota"
)

type synthesizeResponse struct {
	Audio       []byte                `json:"audio"`
	ContentType string                `json:"content_type"`
	Characters  int64                 `json:"characters"`
	Tier        speechquota.Tier      `json:"tier"`
	Usage       speechquota.UserUsage `json:"usage"`
	Recorded    bool                  `json:"recorded"`
	Attempts    int                   `json:"attempts"`
}

// handleSynthesize returns raw audio by default, or a JSON envelope with
// base64 audio when the client accepts only application/json.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req speechquota.SynthesizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	resp, err := s.svc.Synthesize(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("X-Characters", strconv.FormatInt(resp.Characters, 10))
	h.Set("X-Membership-Tier", string(resp.Tier))
	h.Set("X-Requests-Remaining-Today", strconv.FormatInt(max(resp.Plan.MaxRequestsPerDay-resp.Usage.Daily.Requests, 0), 10))
	h.Set("X-Characters-Remaining-Month", strconv.FormatInt(max(resp.Plan.MaxCharactersPerMonth-resp.Usage.Monthly.Characters, 0), 10))
	h.Set("X-Usage-Recorded", strconv.FormatBool(resp.Recorded))

	if wantsJSON(r) {
		respondJSON(w, http.StatusOK, synthesizeResponse{
			Audio:       resp.Audio,
			ContentType: resp.ContentType,
			Characters:  resp.Characters,
			Tier:        resp.Tier,
			Usage:       resp.Usage,
			Recorded:    resp.Recorded,
			Attempts:    resp.Attempts,
		})
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(resp.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Audio)
}

func (s *Server) handleUserUsage(w http.ResponseWriter, r *http.Request) {
	snap, err := s.admin.UserUsage(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	plans := s.svc.Plans()
	out := make([]speechquota.Plan, 0, len(plans))
	for _, tier := range []speechquota.Tier{speechquota.TierFree, speechquota.TierPro, speechquota.TierPremium} {
		if p, ok := plans[tier]; ok {
			p.Tier = tier
			out = append(out, p)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	listing, err := s.admin.ListKeys(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listing)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var in speechquota.NewKey
	if err := decodeJSON(w, r, &in); err != nil {
		s.respondError(w, r, err)
		return
	}
	rec, err := s.admin.CreateKey(r.Context(), in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	var upd speechquota.KeyUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		s.respondError(w, r, err)
		return
	}
	rec, err := s.admin.UpdateKey(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetKey(w http.ResponseWriter, r *http.Request) {
	rec, err := s.admin.ResetKeyQuota(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type upgradeRequest struct {
	Tier  string            `json:"tier"`
	Cycle speechquota.Cycle `json:"cycle"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	tier, err := speechquota.ParseTier(req.Tier)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	state, err := s.admin.UpgradeMembership(r.Context(), chi.URLParam(r, "userID"), tier, req.Cycle)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleDowngrade(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DowngradeMembership(r.Context(), chi.URLParam(r, "userID")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if s.purger == nil {
		respondJSON(w, http.StatusNotImplemented, errorBody{Code: "purge_disabled", Message: "usage purge is not supported by this store"})
		return
	}
	n, err := s.purger.PurgeOnce(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	day, month := s.purger.Cutoffs()
	respondJSON(w, http.StatusOK, map[string]any{
		"deleted":        n,
		"daily_cutoff":   day,
		"monthly_cutoff": month,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode body: %v", speechquota.ErrInvalidRequest, err)
	}
	return nil
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "audio/")
}

type errorBody struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Tier    speechquota.Tier `json:"tier,omitempty"`
	Limit   int64            `json:"limit,omitempty"`
	Used    int64            `json:"used,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusServiceUnavailable && s.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.retryAfter.Seconds())))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	}
	respondJSON(w, status, body)
}

// classify maps service errors to an HTTP status and a stable error code.
func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var le *speechquota.LimitError
	switch {
	case errors.As(err, &le):
		body.Tier, body.Limit, body.Used = le.Tier, le.Limit, le.Used
		body.Code = "monthly_character_limit_exceeded"
		if errors.Is(le, speechquota.ErrDailyRequestLimitReached) {
			body.Code = "daily_request_limit_reached"
		}
		return http.StatusTooManyRequests, body
	case errors.Is(err, speechquota.ErrInvalidTier):
		body.Code = "invalid_tier"
		return http.StatusBadRequest, body
	case errors.Is(err, speechquota.ErrInvalidRequest):
		body.Code = "invalid_request"
		return http.StatusBadRequest, body
	case errors.Is(err, speechquota.ErrKeyNotFound):
		body.Code = "key_not_found"
		return http.StatusNotFound, body
	case errors.Is(err, speechquota.ErrInvalidQuota):
		body.Code = "invalid_quota"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, speechquota.ErrNoKeyAvailable):
		body.Code = "no_key_available"
		return http.StatusServiceUnavailable, body
	case errors.Is(err, speechquota.ErrExternalSynthesisFailure):
		body.Code = "external_synthesis_failure"
		return http.StatusBadGateway, body
	default:
		body.Code = "internal_error"
		body.Message = "internal error"
		return http.StatusInternalServerError, body
	}
}
