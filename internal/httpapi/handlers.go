package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"voice-gateway/internal/auth"
	"voice-gateway/internal/calls"
	"voice-gateway/internal/sessions"
	"voice-gateway/internal/telephony"
	"voice-gateway/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Calls    CallRegistry
	Sessions SessionTracker
	// SIP is nil when the SIP stack is disabled.
	SIP       CallControl
	WS        WebSocketServer
	Signaling Participants
	Tokens    TokenIssuer
	Metrics   ErrorCounter
}

type CallRegistry interface {
	Create(ctx context.Context, d calls.Draft) (calls.Call, error)
	Get(ctx context.Context, id string) (calls.Call, error)
	UpdateStatus(ctx context.Context, id string, to calls.Status) (calls.Call, error)
	End(ctx context.Context, id string, f calls.EndFields) (calls.Call, error)
	ListActive() []calls.Call
	Query(ctx context.Context, f calls.Filter, p calls.Page) ([]calls.Call, error)
}

type SessionTracker interface {
	Create(ctx context.Context, callID, actorID string) (sessions.Session, error)
	Touch(ctx context.Context, id string) error
	End(ctx context.Context, id, reason string) error
	ListActive() []sessions.Session
}

type CallControl interface {
	Dial(ctx context.Context, req telephony.DialRequest) (calls.Call, error)
	Answer(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	Hangup(ctx context.Context, callID string) error
}

type WebSocketServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, actorID string)
}

// Participants lists the signaling connections joined to a call.
type Participants interface {
	Members(callID string) []string
}

type ErrorCounter interface {
	Error(errorType string)
}

// --- Calls ---

func (h Handlers) CreateCall(c *gin.Context) {
	var req calls.Draft
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, invalidJSON(err))
		return
	}
	call, err := h.Calls.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) GetCall(c *gin.Context) {
	call, err := h.Calls.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h Handlers) ListActiveCalls(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"calls": h.Calls.ListActive()})
}

// QueryCalls serves call history. Pages are 1-based; size is clamped before the offset is derived.
func (h Handlers) QueryCalls(c *gin.Context) {
	f := calls.Filter{
		Status:      calls.Status(c.Query("status")),
		Direction:   calls.Direction(c.Query("direction")),
		PhoneNumber: c.Query("phone_number"),
		ClientID:    c.Query("client_id"),
	}
	if f.Status != "" && !f.Status.Valid() {
		h.fail(c, badRequest("unknown status %q", f.Status))
		return
	}
	if f.Direction != "" && !f.Direction.Valid() {
		h.fail(c, badRequest("unknown direction %q", f.Direction))
		return
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		h.fail(c, err)
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		h.fail(c, err)
		return
	}

	page, err := queryInt(c, "page", 1)
	if err != nil {
		h.fail(c, err)
		return
	}
	size, err := queryInt(c, "size", calls.DefaultPageLimit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if page < 1 {
		page = 1
	}
	p := calls.Page{Limit: size}.Normalize()
	p.Offset = (page - 1) * p.Limit

	out, err := h.Calls.Query(c.Request.Context(), f, p)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": out, "page": page, "size": p.Limit})
}

type statusRequest struct {
	Status calls.Status `json:"status"`
}

func (h Handlers) UpdateCallStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, invalidJSON(err))
		return
	}
	call, err := h.Calls.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// EndCall accepts an optional body of terminal fields.
func (h Handlers) EndCall(c *gin.Context) {
	var req calls.EndFields
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, invalidJSON(err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	call, err := h.Calls.End(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// CallParticipants lists signaling connection ids joined to a call on this node.
func (h Handlers) CallParticipants(c *gin.Context) {
	call, err := h.Calls.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	members := []string{}
	if h.Signaling != nil {
		members = h.Signaling.Members(call.ID)
	}
	c.JSON(http.StatusOK, gin.H{"call_id": call.ID, "connections": members})
}

// --- SIP call control ---

type dialRequest struct {
	PhoneNumber string `json:"phone_number"`
	Target      string `json:"target,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
}

func (h Handlers) Dial(c *gin.Context) {
	if h.SIP == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sip not enabled"})
		return
	}
	var req dialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, invalidJSON(err))
		return
	}
	call, err := h.SIP.Dial(c.Request.Context(), telephony.DialRequest{
		PhoneNumber: req.PhoneNumber,
		Target:      req.Target,
		ClientID:    req.ClientID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, call)
}

func (h Handlers) AnswerCall(c *gin.Context) { h.control(c, CallControl.Answer) }
func (h Handlers) RejectCall(c *gin.Context) { h.control(c, CallControl.Reject) }
func (h Handlers) HangupCall(c *gin.Context) { h.control(c, CallControl.Hangup) }

func (h Handlers) control(c *gin.Context, op func(CallControl, context.Context, string) error) {
	if h.SIP == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "sip not enabled"})
		return
	}
	if err := op(h.SIP, c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// --- Sessions ---

type sessionRequest struct {
	CallID string `json:"call_id"`
	// ActorID defaults to the caller's identity.
	ActorID string `json:"actor_id,omitempty"`
}

func (h Handlers) CreateSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, invalidJSON(err))
		return
	}
	if req.CallID == "" {
		h.fail(c, badRequest("call_id required"))
		return
	}
	if req.ActorID == "" {
		req.ActorID, _ = auth.UserID(c.Request.Context())
	}
	s, err := h.Sessions.Create(c.Request.Context(), req.CallID, req.ActorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h Handlers) ListActiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.Sessions.ListActive()})
}

func (h Handlers) TouchSession(c *gin.Context) {
	if err := h.Sessions.Touch(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) EndSession(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "api"
	}
	if err := h.Sessions.End(c.Request.Context(), c.Param("id"), reason); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Signaling ---

func (h Handlers) SignalingWS(c *gin.Context) {
	actor, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}
	h.WS.ServeWS(c.Writer, c.Request, actor)
}

// --- errors ---

// fail maps service errors onto status codes and counts them.
func (h Handlers) fail(c *gin.Context, err error) {
	status, kind, msg := classify(err)
	if h.Metrics != nil {
		h.Metrics.Error(kind)
	}
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "error_type", kind, "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func classify(err error) (status int, kind, msg string) {
	var pe *calls.PersistenceError
	switch {
	case errors.Is(err, calls.ErrInvalidInput):
		return http.StatusBadRequest, "validation", err.Error()
	case errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, telephony.ErrAdmissionRejected):
		return http.StatusTooManyRequests, "admission", err.Error()
	case errors.As(err, &pe):
		return http.StatusServiceUnavailable, "persistence", "storage unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "timed out"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest("%s must be an integer", key)
	}
	return n, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest("%s must be RFC3339", key)
	}
	return t, nil
}
