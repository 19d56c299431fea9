package httpapi

import (
	"net/http"
	"time"

	"voice-gateway/internal/auth"
	"voice-gateway/internal/rbac"

	"github.com/gin-gonic/gin"
)

// TokenIssuer is the part of auth.Manager the token endpoints use.
type TokenIssuer interface {
	IssuePair(now time.Time, userID, role string) (auth.TokenPair, error)
	IssueAccess(now time.Time, userID, role string) (string, error)
	Verify(token string, expected auth.TokenType, now time.Time) (auth.Claims, error)
}

type tokenRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// IssueTokens provisions an access/refresh pair for a person. Admin only.
func (h Handlers) IssueTokens(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token issuance not enabled"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, invalidJSON(err))
		return
	}
	if req.UserID == "" {
		h.fail(c, badRequest("user_id required"))
		return
	}
	switch req.Role {
	case rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleAdmin:
	default:
		h.fail(c, badRequest("role must be agent, supervisor or admin"))
		return
	}

	pair, err := h.Tokens.IssuePair(time.Now().UTC(), req.UserID, req.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, pair)
}

type serviceTokenRequest struct {
	ClientID string `json:"client_id"`
}

// IssueServiceToken mints an access token with the service role for a backend pipeline.
func (h Handlers) IssueServiceToken(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token issuance not enabled"})
		return
	}
	var req serviceTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, invalidJSON(err))
		return
	}
	if req.ClientID == "" {
		h.fail(c, badRequest("client_id required"))
		return
	}

	tok, err := h.Tokens.IssueAccess(time.Now().UTC(), req.ClientID, rbac.RoleService)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"access_token": tok})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens trades a valid refresh token for a new pair.
func (h Handlers) RefreshTokens(c *gin.Context) {
	if h.Tokens == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "token issuance not enabled"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, invalidJSON(err))
		return
	}

	now := time.Now().UTC()
	claims, err := h.Tokens.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil || claims.Role == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	pair, err := h.Tokens.IssuePair(now, claims.UserID, claims.Role)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}
