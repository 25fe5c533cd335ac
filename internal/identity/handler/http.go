// Package handler exposes the auth service over HTTP with gin.
package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quelyos-auth/internal/identity/service"
	"quelyos-auth/internal/rotation"
	"quelyos-auth/internal/security"
)

// reloginMessage is returned for every rotation refusal so clients cannot tell the cases apart.
const reloginMessage = "please log in again"

// AuthService is the subset of *service.AuthService used by the HTTP handlers.
type AuthService interface {
	Login(ctx context.Context, email, password, ip, userAgent string) (*rotation.RotateResult, error)
	Refresh(ctx context.Context, refreshToken string, userID int64, ip, userAgent string) (*rotation.RotateResult, error)
	Logout(ctx context.Context, refreshToken string) (bool, error)
	RevokeFamily(ctx context.Context, actor security.Subject, targetUserID int64) (int64, error)
	PurgeTokens(ctx context.Context, actor security.Subject, retentionDays *int) (int64, error)
	Sessions(ctx context.Context, actor security.Subject) ([]service.Session, error)
}

// ReadinessChecker backs GET /healthz.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Handler serves the auth HTTP API.
type Handler struct {
	auth    AuthService
	tokens  AccessValidator
	checker ReadinessChecker
}

// NewHandler returns a Handler. checker may be nil, in which case /healthz always reports ok.
func NewHandler(auth AuthService, tokens AccessValidator, checker ReadinessChecker) *Handler {
	return &Handler{auth: auth, tokens: tokens, checker: checker}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)

	auth := r.Group("/auth", ClientIP())
	auth.POST("/login", h.Login)
	auth.POST("/refresh", h.Refresh)
	auth.POST("/logout", h.Logout)

	protected := r.Group("", ClientIP(), RequireBearer(h.tokens))
	protected.POST("/auth/revoke-family", h.RevokeFamily)
	protected.GET("/auth/sessions", h.Sessions)
	protected.POST("/admin/tokens/purge", h.Purge)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	UserID       int64  `json:"userId"`
}

type logoutRequest struct {
	Token string `json:"token"`
}

type revokeFamilyRequest struct {
	UserID int64 `json:"userId"`
}

type purgeRequest struct {
	RetentionDays *int `json:"retentionDays"`
}

type userResponse struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CompanyID int64  `json:"companyId"`
}

type loginResponse struct {
	AccessToken     string       `json:"accessToken"`
	RefreshToken    string       `json:"refreshToken"`
	AccessExpiresAt time.Time    `json:"accessExpiresAt"`
	User            userResponse `json:"user"`
}

type refreshResponse struct {
	NewRefreshToken string       `json:"newRefreshToken"`
	AccessToken     string       `json:"accessToken"`
	AccessExpiresAt time.Time    `json:"accessExpiresAt"`
	User            userResponse `json:"user"`
}

type sessionResponse struct {
	TokenFingerprint string    `json:"tokenFingerprint"`
	IssuedAt         time.Time `json:"issuedAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	IPAddress        string    `json:"ipAddress,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
}

func userFrom(res *rotation.RotateResult) userResponse {
	return userResponse{
		ID:        res.User.ID,
		Email:     res.User.Email,
		Role:      res.User.Role,
		CompanyID: res.User.CompanyID,
	}
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.auth.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{
		AccessToken:     res.AccessToken,
		RefreshToken:    res.NewRefreshToken,
		AccessExpiresAt: res.AccessExpiresAt,
		User:            userFrom(res),
	})
}

// Refresh handles POST /auth/refresh.
func (h *Handler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken, req.UserID, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, refreshResponse{
		NewRefreshToken: res.NewRefreshToken,
		AccessToken:     res.AccessToken,
		AccessExpiresAt: res.AccessExpiresAt,
		User:            userFrom(res),
	})
}

// Logout handles POST /auth/logout.
func (h *Handler) Logout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	found, err := h.auth.Logout(c.Request.Context(), req.Token)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": found})
}

// RevokeFamily handles POST /auth/revoke-family.
func (h *Handler) RevokeFamily(c *gin.Context) {
	actor, ok := subjectFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	var req revokeFamilyRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	n, err := h.auth.RevokeFamily(c.Request.Context(), actor, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revokedCount": n})
}

// Purge handles POST /admin/tokens/purge.
func (h *Handler) Purge(c *gin.Context) {
	actor, ok := subjectFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	var req purgeRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	n, err := h.auth.PurgeTokens(c.Request.Context(), actor, req.RetentionDays)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deletedCount": n})
}

// Sessions handles GET /auth/sessions.
func (h *Handler) Sessions(c *gin.Context) {
	actor, ok := subjectFrom(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "missing or invalid authorization")
		return
	}
	sessions, err := h.auth.Sessions(c.Request.Context(), actor)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			TokenFingerprint: s.TokenFingerprint,
			IssuedAt:         s.IssuedAt,
			ExpiresAt:        s.ExpiresAt,
			IPAddress:        s.IPAddress,
			UserAgent:        s.UserAgent,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	if h.checker != nil {
		if err := h.checker.Ready(c.Request.Context()); err != nil {
			log.Printf("http: healthz: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps service errors to HTTP responses. Infra errors are logged and never echoed.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case rotation.IsRefusal(err):
		respondError(c, http.StatusUnauthorized, reloginMessage)
	case errors.Is(err, service.ErrInvalidCredentials):
		respondError(c, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, service.ErrForbidden):
		respondError(c, http.StatusForbidden, "forbidden")
	case errors.Is(err, service.ErrUserNotFound):
		respondError(c, http.StatusNotFound, "user not found")
	case errors.Is(err, service.ErrInvalidRetention):
		respondError(c, http.StatusBadRequest, err.Error())
	default:
		log.Printf("http: %s %s: %v", c.Request.Method, c.FullPath(), err)
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}

// bindOptionalJSON binds the body if there is one; an empty body leaves dst at its zero value.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}
