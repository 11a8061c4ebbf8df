/*
Copyright 2025 the Industry Monitor contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qzsyzn/industry-monitor/internal/collector"
	"github.com/qzsyzn/industry-monitor/internal/errs"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Auth
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	token, expiresAt, err := s.auth.Login(r.Context(), req.Username, req.Password, clientIP(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func clientIP(r *http.Request) string {
	// middleware.RealIP already rewrote RemoteAddr from the forwarding
	// headers; strip the port when one is present.
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Query
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// handleQuery serves a single read-through query. The response body is
// the unwrapped payload; the serving tier and trend completeness travel
// in headers so clients that only want the data can ignore them.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()

	dateType := qp.Get("dateType")
	if dateType == "" {
		dateType = qp.Get("granularity")
	}
	timest := qp.Get("timest")
	if timest == "" {
		timest = qp.Get("periodKey")
	}

	q := collector.Query{
		Action:    qp.Get("action"),
		CatID:     qp.Get("catId"),
		DateType:  dateType,
		Timest:    timest,
		StarRange: qp.Get("starRange"),
		EndRange:  qp.Get("endRange"),
		UseCache:  qp.Get("useCache") != "false",
	}
	if extra := qp.Get("extra"); extra != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(extra), &m); err != nil {
			s.respondError(w, r, errs.Validationf("extra must be a JSON object: %v", err))
			return
		}
		q.Extra = m
	}

	res, err := s.collector.Execute(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("X-MengLa-Source", res.Source)
	if res.Partial != nil {
		w.Header().Set("X-MengLa-Trend-Partial",
			fmt.Sprintf("%d,%d", res.Partial.Requested, res.Partial.Found))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Data); err != nil {
		s.logger.Error("failed to write query response")
	}
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Sync task logs
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func (s *Server) handleSyncTasksToday(w http.ResponseWriter, r *http.Request) {
	logs, err := s.tasklogs.Today(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tasks": logs, "count": len(logs)})
}

func (s *Server) handleSyncTaskByID(w http.ResponseWriter, r *http.Request) {
	logID := chi.URLParam(r, "logID")
	entry, err := s.tasklogs.Get(r.Context(), logID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if entry == nil {
		s.respondError(w, r, errs.Wrap(errs.ErrNotFound, nil))
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}
