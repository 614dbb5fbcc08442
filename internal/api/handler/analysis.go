package handler

import (
	"net/http"

	"circles/backend/internal/models"

	"github.com/gin-gonic/gin"
)

type analysisRequest struct {
	Kind models.AnalysisKind `json:"kind"`
}

// RequestAnalysis runs an AI insight over the room's conversation.
func (h *Handler) RequestAnalysis(c *gin.Context) {
	var req analysisRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	session := currentSession(c)
	if !h.allow(c, "analysis:"+session.ID) {
		return
	}
	a, err := h.Analysis.Request(c.Request.Context(), session.ID, c.Param("id"), req.Kind)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

type suggestionRequest struct {
	Theme       string `json:"theme"`
	Description string `json:"description"`
}

func (h *Handler) SuggestRoom(c *gin.Context) {
	var req suggestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.allow(c, "analysis:"+currentSession(c).ID) {
		return
	}
	text, err := h.Analysis.SuggestRoom(c.Request.Context(), req.Theme, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestion": text})
}
