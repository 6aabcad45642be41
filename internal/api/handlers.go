package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/device"
	"classattend/internal/queue"
)

// writeError maps domain errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrNotFound), errors.Is(err, attendance.ErrSubjectNotFound):
		status = http.StatusNotFound
	case errors.Is(err, attendance.ErrPrecondition),
		errors.Is(err, attendance.ErrNotStarted),
		errors.Is(err, attendance.ErrTransitionInProgress),
		errors.Is(err, attendance.ErrNoActiveSubject),
		errors.Is(err, attendance.ErrSubjectActive):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrInvalidStatus), errors.Is(err, device.ErrInvalidDevice):
		status = http.StatusBadRequest
	case errors.Is(err, attendance.ErrDurationUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrTokenRevoked):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *handler) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.devices.Register(c.Request.Context(), req.DeviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tokens)
}

func (h *handler) refreshDevice(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tokens, err := h.devices.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (h *handler) postDetection(c *gin.Context) {
	var req struct {
		StudentID  string     `json:"student_id"`
		ImageURL   string     `json:"image_url"`
		DetectedAt *time.Time `json:"detected_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StudentID == "" && req.ImageURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "student_id or image_url required"})
		return
	}
	claims, _ := auth.FromContext(c)

	det := queue.Detection{
		ID:         uuid.NewString(),
		DeviceID:   claims.Subject,
		StudentID:  req.StudentID,
		ImageURL:   req.ImageURL,
		DetectedAt: time.Now().UTC(),
	}
	if req.DetectedAt != nil {
		det.DetectedAt = req.DetectedAt.UTC()
	}
	msg, err := queue.NewDetection(det)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.queue.Publish(c.Request.Context(), msg); err != nil {
		log.Printf("queue publish failed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"detection_id": det.ID, "detected_at": det.DetectedAt})
}

func (h *handler) startRecord(c *gin.Context) {
	var req struct {
		RecordID  string `json:"record_id"`
		StudentID string `json:"student_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		rec attendance.Record
		err error
	)
	switch {
	case req.RecordID != "":
		rec, err = h.svc.Start(c.Request.Context(), req.RecordID)
	case req.StudentID != "":
		rec, err = h.svc.StartStudent(c.Request.Context(), req.StudentID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "record_id or student_id required"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) recordAction(c *gin.Context, action func(c *gin.Context, id string) (attendance.Record, error)) {
	rec, err := action(c, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) stopRecord(c *gin.Context) {
	h.recordAction(c, func(c *gin.Context, id string) (attendance.Record, error) {
		return h.svc.Stop(c.Request.Context(), id)
	})
}

func (h *handler) pauseRecord(c *gin.Context) {
	h.recordAction(c, func(c *gin.Context, id string) (attendance.Record, error) {
		return h.svc.PauseBreak(c.Request.Context(), id)
	})
}

func (h *handler) resumeRecord(c *gin.Context) {
	h.recordAction(c, func(c *gin.Context, id string) (attendance.Record, error) {
		return h.svc.ResumeBreak(c.Request.Context(), id)
	})
}

func (h *handler) setStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := attendance.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := h.svc.SetStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) activateSubject(c *gin.Context) {
	t, err := h.svc.ActivateSubject(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) deactivateSubjects(c *gin.Context) {
	if err := h.svc.DeactivateAllSubjects(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) autoAdjust(c *gin.Context) {
	var req struct {
		Day            string     `json:"day"`
		ScheduledStart *time.Time `json:"scheduled_start"`
		MinPercentage  int        `json:"min_percentage"`
	}
	// the body is optional and may arrive chunked without a length
	if c.Request.Body != nil {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Day != "" {
		if _, err := time.Parse(attendance.DayLayout, req.Day); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "day must be YYYY-MM-DD"})
			return
		}
	}
	params, err := h.svc.AdjustParams(c.Request.Context(), c.Param("id"), req.Day)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.ScheduledStart != nil {
		params.ScheduledStart = *req.ScheduledStart
	}
	if req.MinPercentage > 0 {
		params.MinPercentage = req.MinPercentage
	}
	res, err := h.svc.AutoAdjust(c.Request.Context(), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) listSubjects(c *gin.Context) {
	subs, err := h.svc.Subjects(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subjects": subs})
}

func (h *handler) roster(c *gin.Context) {
	entries, err := h.svc.Roster(c.Request.Context(), c.Query("day"), c.Query("subject_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"roster": entries})
}

func (h *handler) listStandby(c *gin.Context) {
	entries, err := h.svc.ListStandby(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"standby": entries})
}

func (h *handler) removeStandby(c *gin.Context) {
	if err := h.svc.RemoveStandby(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
