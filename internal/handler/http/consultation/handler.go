package consultation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"consultlink-backend/internal/middleware"
	"consultlink-backend/internal/service/consultation"
	"consultlink-backend/pkg/pagination"
	"consultlink-backend/pkg/response"
)

// Handler handles consultation HTTP requests
type Handler struct {
	service   *consultation.Service
	validator *consultation.Validator
}

// NewHandler creates a new consultation handler
func NewHandler(service *consultation.Service, validator *consultation.Validator) *Handler {
	return &Handler{
		service:   service,
		validator: validator,
	}
}

// RegisterRoutes mounts the clinician routes on a JWT-protected group and
// the join route on a public one
func (h *Handler) RegisterRoutes(clinician, public *gin.RouterGroup) {
	clinician.POST("/create", h.CreateSession)
	clinician.GET("", h.ListSessions)
	clinician.GET("/stats", h.Stats)
	clinician.GET("/:id", h.GetSession)
	clinician.POST("/:id/cancel", h.CancelSession)
	clinician.POST("/:id/end", h.EndSession)

	public.GET("/join/:id", h.ValidateJoin)
}

// CreateSessionRequest represents a new consultation request
type CreateSessionRequest struct {
	PatientName     string `json:"patient_name" binding:"required,max=200"`
	PatientEmail    string `json:"patient_email" binding:"omitempty,max=255"`
	PatientRecordID string `json:"patient_record_id" binding:"omitempty,max=64"`
	ExpiresInHours  int    `json:"expires_in_hours" binding:"omitempty,min=0"`
}

// EndSessionRequest carries the clinician's closing notes
type EndSessionRequest struct {
	Notes string `json:"notes"`
}

// CreateSession schedules a consultation
// POST /v1/consultations/create
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	doctorID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	view, err := h.service.CreateSession(c.Request.Context(), &consultation.CreateSessionInput{
		DoctorID:        doctorID,
		DoctorName:      c.GetString(middleware.ContextName),
		Specialty:       c.GetString(middleware.ContextSpecialty),
		PatientName:     req.PatientName,
		PatientEmail:    req.PatientEmail,
		PatientRecordID: req.PatientRecordID,
		ExpiresInHours:  req.ExpiresInHours,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, view)
}

// ListSessions lists the clinician's consultations, newest first
// GET /v1/consultations[?page=&limit=]
func (h *Handler) ListSessions(c *gin.Context) {
	doctorID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	views, err := h.service.ListSessions(c.Request.Context(), doctorID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	// unpaged unless the client asks for a page
	pageStr, limitStr := c.Query("page"), c.Query("limit")
	if pageStr == "" && limitStr == "" {
		response.Success(c, http.StatusOK, gin.H{
			"sessions": views,
			"count":    len(views),
		})
		return
	}

	params, err := pagination.Parse(pageStr, limitStr)
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	page, meta := pagination.Window(views, params)
	response.Success(c, http.StatusOK, gin.H{
		"sessions":   page,
		"count":      len(page),
		"pagination": meta,
	})
}

// Stats returns dashboard counters
// GET /v1/consultations/stats
func (h *Handler) Stats(c *gin.Context) {
	doctorID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	stats, err := h.service.Stats(c.Request.Context(), doctorID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, stats)
}

// GetSession returns one consultation
// GET /v1/consultations/:id
func (h *Handler) GetSession(c *gin.Context) {
	sessionID, doctorID, ok := h.ownedParams(c)
	if !ok {
		return
	}

	view, err := h.service.GetSession(c.Request.Context(), sessionID, doctorID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// CancelSession cancels a pending consultation
// POST /v1/consultations/:id/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	sessionID, doctorID, ok := h.ownedParams(c)
	if !ok {
		return
	}

	view, err := h.service.CancelSession(c.Request.Context(), sessionID, doctorID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// EndSession completes an active consultation
// POST /v1/consultations/:id/end
func (h *Handler) EndSession(c *gin.Context) {
	sessionID, doctorID, ok := h.ownedParams(c)
	if !ok {
		return
	}

	var req EndSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	view, err := h.service.EndSession(c.Request.Context(), sessionID, doctorID, req.Notes)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// ValidateJoin checks a join link for the external participant
// GET /v1/consultations/join/:id?token=
func (h *Handler) ValidateJoin(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	info, err := h.validator.Validate(c.Request.Context(), sessionID, c.Query("token"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, info)
}

func (h *Handler) ownedParams(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return uuid.Nil, uuid.Nil, false
	}

	doctorID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, uuid.Nil, false
	}

	return sessionID, doctorID, true
}
