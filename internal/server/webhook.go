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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/qzsyzn/industry-monitor/internal/upstream"
)

const maxWebhookBody = 4 << 20

// handleWebhookHealth lets the upstream service probe the callback URL.
func (s *Server) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "webhook endpoint is ready",
	})
}

// handleWebhookNotify receives task results pushed by the upstream
// service and parks them in Redis for the poller to pick up.
func (s *Server) handleWebhookNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	defer r.Body.Close()

	if !s.verifySignature(r, body) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
		return
	}

	executionID := firstString(body, "executionId", "data.executionId", "execution_id")
	if executionID == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "missing executionId"})
		return
	}

	// Progress heartbeats carry no result and must not overwrite or
	// pre-empt a terminal payload.
	if status, ok := upstream.IsHeartbeat(body); ok {
		s.logger.Debug("webhook heartbeat skipped",
			zap.String("execution_id", executionID), zap.String("status", status))
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"skipped": true,
			"reason":  "status=" + status,
		})
		return
	}

	payload := body
	if v := gjson.GetBytes(body, "resultData"); v.Exists() {
		payload = []byte(v.Raw)
	} else if v := gjson.GetBytes(body, "data"); v.Exists() {
		payload = []byte(v.Raw)
	}

	key := upstream.ExecKeyPrefix + executionID
	if err := s.rdb.Set(r.Context(), key, payload, upstream.ExecResultTTL).Err(); err != nil {
		s.logger.Error("failed to store webhook result",
			zap.String("execution_id", executionID), zap.Error(err))
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage failure"})
		return
	}

	s.logger.Info("webhook result stored",
		zap.String("execution_id", executionID), zap.Int("bytes", len(payload)))
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// verifySignature checks the HMAC-SHA256 signature header against the raw
// body. With no secret configured verification is skipped, which is only
// acceptable on private networks.
func (s *Server) verifySignature(r *http.Request, body []byte) bool {
	if s.cfg.WebhookSecret == "" {
		s.logger.Warn("webhook signature verification disabled: no secret configured")
		return true
	}
	sig := r.Header.Get("X-Signature-256")
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(sig, "sha256=")))
}

func firstString(body []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(body, p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
