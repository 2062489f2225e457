// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
)

// GetSessionHistory serves GET /v1/chat?sessionId=.
//
// # Description
//
// Returns the cached messages of a session, or an empty list when the
// session is unknown or expired. The cache is process local; this route
// does not consult the durable store.
func GetSessionHistory(sessions *ttl.SessionStore, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Query("sessionId")
		if sid == "" {
			metrics.RecordRequest(observability.EndpointHistory, false)
			metrics.RecordError(observability.EndpointHistory, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "missing sessionId"})
			return
		}

		msgs := sessions.Get(sid)
		slog.Debug("Session history read", "sessionId", sid, "messages", len(msgs))
		metrics.RecordRequest(observability.EndpointHistory, true)
		c.JSON(http.StatusOK, datatypes.SessionHistoryResponse{Messages: msgs})
	}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
