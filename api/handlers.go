package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/hazyhaar/spoilguard/observe"
	"github.com/hazyhaar/spoilguard/settings"
	"github.com/hazyhaar/spoilguard/shield"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Store.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var p settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
		return
	}
	resp, err := s.setSettings(r.Context(), &p)
	if errors.Is(err, errEmptyPatch) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		shield.GetLogger(r.Context()).Error("api: put settings", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSettingsForm accepts the popup form: a comma or newline separated
// keyword list plus checkboxes.
func (s *Server) handleSettingsForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	kw := settings.ParseKeywords(r.PostForm.Get("keywords"))
	thumbs := r.PostForm.Get("hideThumbnails") != ""
	clock := r.PostForm.Get("showCurrentTime") != ""
	enabled := r.PostForm.Get("enabled") != ""
	p := settings.Patch{
		Keywords:        &kw,
		HideThumbnails:  &thumbs,
		ShowCurrentTime: &clock,
		Enabled:         &enabled,
	}
	if _, err := s.setSettings(r.Context(), &p); err != nil {
		shield.GetLogger(r.Context()).Error("api: settings form", "error", err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type logsResponse struct {
	Logs        []string `json:"logs"`
	HiddenToday int      `json:"hiddenToday"`
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	resp, err := s.logs(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logs(r *http.Request) (logsResponse, error) {
	lines, err := s.cfg.Journal.Logs(r.Context())
	if err != nil {
		return logsResponse{}, err
	}
	n, err := s.cfg.Journal.HiddenToday(r.Context())
	if err != nil {
		return logsResponse{}, err
	}
	if lines == nil {
		lines = []string{}
	}
	return logsResponse{Logs: lines, HiddenToday: n}, nil
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if _, err := s.clearLogs(r.Context(), nil); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Pages.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type checkRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, errors.New("title is required"))
		return
	}
	res, err := s.cfg.Pages.CheckTitle(r.Context(), req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRefresh relays a refresh message. An empty body means
// refreshSettings.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	// An empty body, sized or chunked, means refreshSettings.
	msg := observe.Message{Type: observe.MsgRefreshSettings}
	if r.ContentLength != 0 {
		err := json.NewDecoder(r.Body).Decode(&msg)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode: %w", err))
			return
		}
	}
	n, err := s.refresh(r.Context(), &msg)
	if errors.Is(err, errUnknownMessage) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": msg.Type, "pages": n})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	entries, err := s.cfg.Audit.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
