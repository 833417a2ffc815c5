package public

import (
	"strings"

	"github.com/classdues/internal/http/response"

	"github.com/gin-gonic/gin"
)

// ListStudents 名单（直读外部账本，不缓存）
func (h *Handler) ListStudents(c *gin.Context) {
	entries, err := h.RosterService.List(c.Request.Context())
	if err != nil {
		respondWithMappedError(c, err, rosterErrorRules, response.CodeBadGateway, "roster fetch failed")
		return
	}
	response.Success(c, entries)
}

// GetStudent 按学号查询名单行
func (h *Handler) GetStudent(c *gin.Context) {
	entry, err := h.RosterService.Lookup(c.Request.Context(), strings.TrimSpace(c.Param("student_id")))
	if err != nil {
		respondWithMappedError(c, err, rosterErrorRules, response.CodeBadGateway, "roster fetch failed")
		return
	}
	response.Success(c, entry)
}
