package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/perimetriclabs/tidemark/internal/auth"
	"github.com/perimetriclabs/tidemark/internal/devices"
	"github.com/perimetriclabs/tidemark/internal/record"
	"github.com/perimetriclabs/tidemark/internal/survey"
	"go.uber.org/zap"
)

const (
	deviceIDContextKey   = "tidemark_device_id"
	deviceNameContextKey = "tidemark_device_name"
	groupIDContextKey    = "tidemark_group_id"

	adminTokenHeader = "X-Admin-Token"
)

var (
	errMissingDeviceRegistry  = errors.New("device registry dependency required")
	errMissingTokenIssuer     = errors.New("token issuer dependency required")
	errMissingSessionVerifier = errors.New("session validator dependency required")
	errMissingRecordService   = errors.New("record service dependency required")
	errMissingSurveyService   = errors.New("survey service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// DeviceAuthenticator verifies a device's registered name and key.
type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, name, key string) (*devices.Device, error)
	Register(ctx context.Context, name, key, friendlyName string, groupID int64) (*devices.Device, error)
}

// DeviceTokenIssuer mints session tokens for verified devices.
type DeviceTokenIssuer interface {
	IssueDeviceToken(ctx context.Context, deviceID int64, deviceName string, groupID int64) (string, int64, error)
}

// SessionTokenValidator parses and verifies device session tokens.
type SessionTokenValidator interface {
	ValidateToken(token string) (auth.DeviceClaims, error)
}

// Dependencies wires the HTTP surface to the underlying services.
type Dependencies struct {
	Devices    DeviceAuthenticator
	Tokens     DeviceTokenIssuer
	Sessions   SessionTokenValidator
	Records    *record.Service
	Surveys    *survey.Service
	Realtime   *RealtimeDispatcher
	AdminToken string
	Logger     *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", adminTokenHeader},
		MaxAge:       12 * time.Hour,
	})
}

// NewHTTPHandler assembles the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Devices == nil {
		return nil, errMissingDeviceRegistry
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionVerifier
	}
	if deps.Records == nil {
		return nil, errMissingRecordService
	}
	if deps.Surveys == nil {
		return nil, errMissingSurveyService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		devices:    deps.Devices,
		tokens:     deps.Tokens,
		sessions:   deps.Sessions,
		records:    deps.Records,
		surveys:    deps.Surveys,
		realtime:   realtime,
		adminToken: deps.AdminToken,
		logger:     logger,
		views:      tableViews(),
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/upload", handler.handleUpload)
	protected.GET("/sync/records", handler.handleListRecords)
	protected.GET("/events", handler.handleEvents)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeAdmin)
	admin.POST("/devices/:id/finalize", handler.handleFinalizeDevice)
	admin.POST("/records/erase", handler.handleEraseRecord)
	admin.POST("/patients/delete", handler.handleDeletePatient)
	admin.POST("/patients/erase", handler.handleErasePatient)
	admin.GET("/pending", handler.handlePending)

	return router, nil
}

type httpHandler struct {
	devices    DeviceAuthenticator
	tokens     DeviceTokenIssuer
	sessions   SessionTokenValidator
	records    *record.Service
	surveys    *survey.Service
	realtime   *RealtimeDispatcher
	adminToken string
	logger     *zap.Logger
	views      map[string]tableView
}

// tableView pairs a table binding with a factory for a typed result slice so
// generic list endpoints can decode into concrete rows.
type tableView struct {
	binding record.TableBinding
	newList func() any
}

func tableViews() map[string]tableView {
	views := map[string]tableView{}
	for _, binding := range survey.Registry() {
		binding := binding
		switch binding.Name {
		case survey.PatientBinding().Name:
			views[binding.Name] = tableView{binding: binding, newList: func() any { return &[]survey.Patient{} }}
		case survey.SurveyBinding().Name:
			views[binding.Name] = tableView{binding: binding, newList: func() any { return &[]survey.Survey{} }}
		case survey.SurveyItemBinding().Name:
			views[binding.Name] = tableView{binding: binding, newList: func() any { return &[]survey.SurveyItem{} }}
		}
	}
	return views
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type deviceAuthRequestPayload struct {
	DeviceName string `json:"device_name"`
	DeviceKey  string `json:"device_key"`
}

type deviceAuthResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	DeviceID    int64  `json:"device_id"`
	GroupID     int64  `json:"group_id"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	device, err := h.devices.Authenticate(c.Request.Context(), request.DeviceName, request.DeviceKey)
	if err != nil {
		h.logger.Warn("device authentication failed",
			zap.String("device_name", request.DeviceName), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), device.ID, device.Name, device.GroupID)
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, deviceAuthResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		DeviceID:    device.ID,
		GroupID:     device.GroupID,
	})
}

type uploadRequestPayload struct {
	Table         string                `json:"table"`
	ClientVersion string                `json:"client_version"`
	Records       []uploadRecordPayload `json:"records"`
}

type uploadRecordPayload struct {
	LocalID       int64           `json:"local_id"`
	Order         int             `json:"order"`
	MoveOffDevice bool            `json:"move_off_device"`
	Content       json.RawMessage `json:"content"`
}

type uploadResponsePayload struct {
	BatchID   string                 `json:"batch_id"`
	BatchTime time.Time              `json:"batch_time"`
	Applied   bool                   `json:"applied"`
	Outcomes  []uploadOutcomePayload `json:"outcomes"`
}

type uploadOutcomePayload struct {
	Order    int    `json:"order"`
	LocalID  int64  `json:"local_id"`
	Kind     string `json:"kind"`
	ServerPK int64  `json:"server_pk,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	deviceID := c.GetInt64(deviceIDContextKey)
	groupID := c.GetInt64(groupIDContextKey)
	if deviceID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request uploadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Records) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	view, ok := h.views[strings.TrimSpace(request.Table)]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}

	tuples := make([]record.UploadTuple, 0, len(request.Records))
	for _, item := range request.Records {
		row := view.binding.New()
		if len(item.Content) > 0 {
			if err := json.Unmarshal(item.Content, row); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_content"})
				return
			}
		}
		meta := row.Meta()
		meta.DeviceID = deviceID
		meta.Era = record.EraNow
		meta.LocalID = item.LocalID
		meta.GroupID = groupID
		meta.MoveOffDevice = item.MoveOffDevice
		meta.ClientVersion = strings.TrimSpace(request.ClientVersion)
		tuples = append(tuples, record.UploadTuple{OrderIndex: item.Order, Row: row})
	}

	result, err := h.records.ApplyUploadBatch(
		c.Request.Context(), view.binding, tuples, time.Now().UTC(), record.ActingContext{
			ClientVersion: strings.TrimSpace(request.ClientVersion),
		})
	if err != nil {
		status := uploadErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("upload batch failed",
				zap.String("table", view.binding.Name), zap.Int64("device_id", deviceID), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": "upload_failed", "detail": err.Error()})
		return
	}

	h.realtime.Publish(RealtimeMessage{
		GroupID:   groupID,
		EventType: RealtimeEventBatchCommitted,
		Table:     view.binding.Name,
		BatchID:   result.BatchID,
		DeviceID:  deviceID,
		Timestamp: result.BatchTime,
	})

	response := uploadResponsePayload{
		BatchID:   result.BatchID,
		BatchTime: result.BatchTime,
		Applied:   result.Applied,
		Outcomes:  make([]uploadOutcomePayload, 0, len(result.Outcomes)),
	}
	for _, outcome := range result.Outcomes {
		response.Outcomes = append(response.Outcomes, uploadOutcomePayload{
			Order:    outcome.OrderIndex,
			LocalID:  outcome.LogicalID.LocalID,
			Kind:     string(outcome.Kind),
			ServerPK: outcome.ServerPK,
			Reason:   outcome.Reason,
		})
	}
	c.JSON(http.StatusOK, response)
}

func uploadErrorStatus(err error) int {
	switch {
	case errors.Is(err, record.ErrDuplicateLogicalRecord),
		errors.Is(err, record.ErrStaleVersion),
		errors.Is(err, record.ErrBatchIntegrity):
		return http.StatusConflict
	case errors.Is(err, record.ErrInvalidDeviceID),
		errors.Is(err, record.ErrInvalidLocalID),
		errors.Is(err, record.ErrInvalidEra):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	deviceID := c.GetInt64(deviceIDContextKey)
	groupID := c.GetInt64(groupIDContextKey)

	view, ok := h.views[strings.TrimSpace(c.Query("table"))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}

	era := record.Era(strings.TrimSpace(c.Query("era")))
	if era == "" {
		era = record.EraNow
	}
	if err := era.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_era"})
		return
	}

	dest := view.newList()
	filter := record.CurrentFilter{DeviceID: deviceID, GroupID: groupID, Era: era}
	if err := h.records.CurrentRecords(c.Request.Context(), view.binding, filter, dest); err != nil {
		h.logger.Error("record listing failed", zap.String("table", view.binding.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"table": view.binding.Name, "era": era, "records": dest})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	groupID := c.GetInt64(groupIDContextKey)
	stream, cancel := h.realtime.Subscribe(c.Request.Context(), groupID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, "event: %s\ndata: {}\n\n", realtimeEventHeartbeat)
			c.Writer.Flush()
		case message, ok := <-stream:
			if !ok {
				return
			}
			payload, err := json.Marshal(gin.H{
				"table":     message.Table,
				"batch_id":  message.BatchID,
				"device_id": message.DeviceID,
				"timestamp": message.Timestamp,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", message.EventType, payload)
			c.Writer.Flush()
		}
	}
}

type finalizeRequestPayload struct {
	UserID int64 `json:"user_id"`
}

func (h *httpHandler) handleFinalizeDevice(c *gin.Context) {
	deviceID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || deviceID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}

	var request finalizeRequestPayload
	_ = c.ShouldBindJSON(&request)

	counts, era, err := h.records.ForciblyFinalizeDevice(c.Request.Context(), survey.Registry(), deviceID, request.UserID)
	if err != nil {
		h.logger.Error("forced finalization failed", zap.Int64("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "finalize_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"device_id": deviceID, "era": era, "preserved": counts})
}

type eraseRequestPayload struct {
	Table    string `json:"table"`
	DeviceID int64  `json:"device_id"`
	Era      string `json:"era"`
	LocalID  int64  `json:"local_id"`
	UserID   int64  `json:"user_id"`
}

func (h *httpHandler) handleEraseRecord(c *gin.Context) {
	var request eraseRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	view, ok := h.views[strings.TrimSpace(request.Table)]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}

	id, err := record.NewLogicalID(request.DeviceID, record.Era(request.Era), request.LocalID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_identity"})
		return
	}

	erased, err := h.records.EraseLogicalRecord(c.Request.Context(), view.binding, id, request.UserID)
	switch {
	case errors.Is(err, record.ErrRecordStillLive):
		c.JSON(http.StatusConflict, gin.H{"error": "record_still_live"})
		return
	case errors.Is(err, record.ErrNoSuchRecord):
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
		return
	case err != nil:
		h.logger.Error("record erase failed", zap.String("identity", id.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "erase_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"table":     view.binding.Name,
		"server_pk": erased.Meta().ServerPK,
		"erased":    erased.Meta().ManuallyErased,
	})
}

type patientRequestPayload struct {
	DeviceID       int64 `json:"device_id"`
	PatientLocalID int64 `json:"patient_local_id"`
	UserID         int64 `json:"user_id"`
}

func (h *httpHandler) handleDeletePatient(c *gin.Context) {
	var request patientRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	summary, err := h.surveys.DeletePatient(c.Request.Context(), request.DeviceID, request.PatientLocalID)
	if err != nil {
		h.logger.Error("patient deletion failed",
			zap.Int64("device_id", request.DeviceID), zap.Int64("patient_local_id", request.PatientLocalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"patient_rows": summary.PatientRows,
		"survey_rows":  summary.SurveyRows,
		"item_rows":    summary.ItemRows,
		"total":        summary.Total(),
	})
}

func (h *httpHandler) handleErasePatient(c *gin.Context) {
	var request patientRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	erased, err := h.surveys.ErasePatient(c.Request.Context(), request.DeviceID, request.PatientLocalID, request.UserID)
	switch {
	case errors.Is(err, record.ErrRecordStillLive):
		c.JSON(http.StatusConflict, gin.H{"error": "record_still_live"})
		return
	case err != nil:
		h.logger.Error("patient erase failed",
			zap.Int64("device_id", request.DeviceID), zap.Int64("patient_local_id", request.PatientLocalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "erase_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"erased_records": erased})
}

func (h *httpHandler) handlePending(c *gin.Context) {
	view, ok := h.views[strings.TrimSpace(c.Query("table"))]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_table"})
		return
	}

	dest := view.newList()
	if err := h.records.PendingVersions(c.Request.Context(), view.binding, dest); err != nil {
		h.logger.Error("pending listing failed", zap.String("table", view.binding.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pending_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"table": view.binding.Name, "records": dest})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		// EventSource clients cannot set headers; allow the token in a
		// query parameter for the stream endpoint.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; anything else deserves attention.
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, claims.DeviceID)
	c.Set(deviceNameContextKey, claims.DeviceName)
	c.Set(groupIDContextKey, claims.GroupID)
	c.Next()
}

func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	if h.adminToken == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_disabled"})
		return
	}
	if c.GetHeader(adminTokenHeader) != h.adminToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}
