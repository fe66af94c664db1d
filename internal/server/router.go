package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fleetmanager/backend/internal/citizens"
	"github.com/fleetmanager/backend/internal/events"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventHeartbeat           = "heartbeat"
	eventReady               = "ready"
	defaultHeartbeatInterval = 25 * time.Second
)

var errMissingCitizenService = errors.New("citizen service dependency required")

// CitizenService is the subset of citizens.Service the HTTP surface needs.
type CitizenService interface {
	EnsureCitizen(ctx context.Context, handle citizens.Handle) (citizens.Citizen, error)
	Citizen(ctx context.Context, citizenID citizens.CitizenID) (citizens.Citizen, error)
	Refresh(ctx context.Context, citizenID citizens.CitizenID) (citizens.ChangeSet, error)
}

// EventSource streams notifications addressed to one citizen.
type EventSource interface {
	Subscribe(ctx context.Context, citizenID string) (<-chan events.Message, func())
}

type Dependencies struct {
	Citizens          CitizenService
	Events            EventSource
	Locks             *KeyedMutex
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Citizens == nil {
		return nil, errMissingCitizenService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewKeyedMutex()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		citizens:  deps.Citizens,
		events:    deps.Events,
		locks:     locks,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/citizens", handler.handleEnsureCitizen)
	api.GET("/citizens/:citizenID", handler.handleGetCitizen)
	api.POST("/citizens/:citizenID/refresh", handler.handleRefreshCitizen)
	if deps.Events != nil {
		api.GET("/citizens/:citizenID/events", handler.handleCitizenEvents)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	citizens  CitizenService
	events    EventSource
	locks     *KeyedMutex
	heartbeat time.Duration
	logger    *zap.Logger
}

type ensureCitizenRequest struct {
	Handle string `json:"handle"`
}

type membershipPayload struct {
	ID                    string `json:"id"`
	OrganizationID        string `json:"organization_id"`
	OrganizationSID       string `json:"organization_sid"`
	OrganizationName      string `json:"organization_name"`
	OrganizationAvatarURL string `json:"organization_avatar_url"`
	Rank                  int    `json:"rank"`
	RankName              string `json:"rank_name"`
	Main                  bool   `json:"main"`
}

type citizenPayload struct {
	ID                         string              `json:"id"`
	Handle                     string              `json:"handle"`
	Nickname                   string              `json:"nickname"`
	Bio                        string              `json:"bio"`
	AvatarURL                  string              `json:"avatar_url"`
	LastRefresh                *time.Time          `json:"last_refresh,omitempty"`
	RedactedMainOrganization   bool                `json:"redacted_main_organization"`
	CountRedactedOrganizations int                 `json:"count_redacted_organizations"`
	MainMembershipID           *string             `json:"main_membership_id"`
	Memberships                []membershipPayload `json:"memberships"`
}

type refreshResponse struct {
	Citizen citizenPayload         `json:"citizen"`
	Changes citizens.ChangeSummary `json:"changes"`
}

func (h *httpHandler) handleEnsureCitizen(c *gin.Context) {
	var request ensureCitizenRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	handle, err := citizens.NewHandle(request.Handle)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_handle"})
		return
	}

	citizen, err := h.citizens.EnsureCitizen(c.Request.Context(), handle)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCitizenPayload(citizen))
}

func (h *httpHandler) handleGetCitizen(c *gin.Context) {
	citizenID, ok := parseCitizenID(c)
	if !ok {
		return
	}
	citizen, err := h.citizens.Citizen(c.Request.Context(), citizenID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newCitizenPayload(citizen))
}

func (h *httpHandler) handleRefreshCitizen(c *gin.Context) {
	citizenID, ok := parseCitizenID(c)
	if !ok {
		return
	}

	unlock := h.locks.Lock(citizenID.String())
	defer unlock()

	ctx := citizens.WithRequestHost(c.Request.Context(), c.Request.Host)
	changes, err := h.citizens.Refresh(ctx, citizenID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refreshResponse{
		Citizen: newCitizenPayload(changes.Citizen),
		Changes: changes.Summary(),
	})
}

func (h *httpHandler) handleCitizenEvents(c *gin.Context) {
	citizenID, ok := parseCitizenID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.citizens.Citizen(ctx, citizenID); err != nil {
		h.respondError(c, err)
		return
	}

	stream, cleanup := h.events.Subscribe(ctx, citizenID.String())
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventReady, gin.H{"citizen_id": citizenID.String()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.Topic, message.Notification)
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": tick.UTC().Unix()})
			return true
		}
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := classifyError(err)
	fields := []zap.Field{zap.String("error_code", code), zap.Error(err)}
	var serviceErr *citizens.ServiceError
	if errors.As(err, &serviceErr) {
		fields = append(fields, zap.String("service_code", serviceErr.Code()))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("citizen request failed", fields...)
	} else {
		h.logger.Warn("citizen request rejected", fields...)
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, citizens.ErrUnknownCitizen):
		return http.StatusNotFound, "unknown_citizen"
	case errors.Is(err, citizens.ErrCitizenNotFound):
		return http.StatusNotFound, "citizen_not_in_directory"
	case errors.Is(err, citizens.ErrInvalidSnapshot):
		return http.StatusBadGateway, "invalid_snapshot"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func parseCitizenID(c *gin.Context) (citizens.CitizenID, bool) {
	citizenID, err := citizens.NewCitizenID(c.Param("citizenID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_citizen_id"})
		return "", false
	}
	return citizenID, true
}

func newCitizenPayload(citizen citizens.Citizen) citizenPayload {
	payload := citizenPayload{
		ID:                         citizen.ID,
		Handle:                     citizen.Handle,
		Nickname:                   citizen.Nickname,
		Bio:                        citizen.Bio,
		AvatarURL:                  citizen.AvatarURL,
		LastRefresh:                citizen.LastRefresh,
		RedactedMainOrganization:   citizen.RedactedMainOrganization,
		CountRedactedOrganizations: citizen.CountRedactedOrganizations,
		MainMembershipID:           citizen.MainMembershipID,
		Memberships:                make([]membershipPayload, 0, len(citizen.Memberships)),
	}
	for _, membership := range citizen.Memberships {
		entry := membershipPayload{
			ID:              membership.ID,
			OrganizationID:  membership.OrganizationID,
			OrganizationSID: membership.OrganizationSID,
			Rank:            membership.Rank,
			RankName:        membership.RankName,
			Main:            citizen.MainMembershipID != nil && *citizen.MainMembershipID == membership.ID,
		}
		if membership.Organization != nil {
			entry.OrganizationName = membership.Organization.Name
			entry.OrganizationAvatarURL = membership.Organization.AvatarURL
		}
		payload.Memberships = append(payload.Memberships, entry)
	}
	return payload
}
