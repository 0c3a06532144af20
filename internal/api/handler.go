package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/config"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/db"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/duplicate"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/gradesync"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/logger"
	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
	pkgerrors "github.com/rayhinton/moodle-local-ltiprovider/pkg/errors"
)

type Handler struct {
	repo       db.Repository
	grades     *gradesync.Service
	duplicator *duplicate.Service
	cfg        *config.Config
	log        zerolog.Logger
}

func NewHandler(repo db.Repository, grades *gradesync.Service,
	duplicator *duplicate.Service, cfg *config.Config) *Handler {
	return &Handler{
		repo:       repo,
		grades:     grades,
		duplicator: duplicator,
		cfg:        cfg,
		log:        logger.Get(),
	}
}

// ForceGradeSync runs an immediate grade pass over the tools matching the
// request, bypassing the recent-sync guard, and returns the full report.
func (h *Handler) ForceGradeSync(c *gin.Context) {
	var req model.ForceSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	report, err := h.grades.ForceSync(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrToolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Tool not found"})
			return
		}
		h.log.Error().Err(err).Msg("Forced grade sync failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.log.Info().
		Int64("course_id", req.CourseID).
		Int64("tool_id", req.ToolID).
		Int("attempted", report.Attempted).
		Int("sent", report.Sent).
		Int("errored", report.Errored).
		Msg("Forced grade sync completed")

	c.JSON(http.StatusOK, report)
}

// GetToolStatus reports one tool's sync bookkeeping.
func (h *Handler) GetToolStatus(c *gin.Context) {
	toolID, err := strconv.ParseInt(c.Param("tool_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tool ID"})
		return
	}

	tool, err := h.repo.GetTool(c.Request.Context(), toolID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrToolNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Tool not found"})
			return
		}
		h.log.Error().Err(err).Int64("tool_id", toolID).Msg("Failed to load tool")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	membershipLastSync, err := h.repo.GetMembershipLastSync(c.Request.Context(), toolID)
	if err != nil {
		h.log.Error().Err(err).Int64("tool_id", toolID).Msg("Failed to load membership last sync")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	count, err := h.repo.CountToolUsers(c.Request.Context(), toolID)
	if err != nil {
		h.log.Error().Err(err).Int64("tool_id", toolID).Msg("Failed to count tool users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, model.ToolStatusResponse{
		ToolID:             tool.ID,
		CourseID:           tool.CourseID,
		Disabled:           tool.Disabled,
		SendGrades:         tool.SendGrades,
		SyncMembers:        tool.SyncMembers,
		LastGradeSync:      time.Unix(tool.LastSync, 0),
		LastMembershipSync: time.Unix(membershipLastSync, 0),
		ProvisionedUsers:   int(count),
	})
}

type enqueueRestorationRequest struct {
	SourceCourseID int64  `json:"source_course_id" binding:"required"`
	DestCourseID   int64  `json:"dest_course_id" binding:"required"`
	DestFullName   string `json:"dest_fullname"`
	DestShortName  string `json:"dest_shortname"`
	DestIDNumber   string `json:"dest_idnumber"`
	UserID         int64  `json:"user_id"`
	Roles          string `json:"roles"`
}

// EnqueueRestoration queues a deferred course clone for the hourly drain
// pass.
func (h *Handler) EnqueueRestoration(c *gin.Context) {
	var req enqueueRestorationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	restoration := &model.PendingRestoration{
		SourceCourseID: req.SourceCourseID,
		DestCourseID:   req.DestCourseID,
		DestFullName:   req.DestFullName,
		DestShortName:  req.DestShortName,
		DestIDNumber:   req.DestIDNumber,
		UserID:         req.UserID,
		Roles:          req.Roles,
	}

	id, err := h.duplicator.EnqueueCourseClone(c.Request.Context(), restoration)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue restoration")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue restoration"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":        "Restoration queued successfully",
		"restoration_id": id,
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.cfg.App.Name,
		"version": h.cfg.App.Version,
	})
}
