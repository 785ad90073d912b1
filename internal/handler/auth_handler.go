package handler

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/reelforge/api/internal/auth"
	"github.com/reelforge/api/internal/model"
	"github.com/reelforge/api/pkg/response"
)

// AuthHandler serves ForwardAuth verification for an API gateway and, in
// development, issues tokens for local testing
type AuthHandler struct {
	verifier *auth.Verifier
	ttl      time.Duration
}

func NewAuthHandler(verifier *auth.Verifier, ttl time.Duration) *AuthHandler {
	return &AuthHandler{
		verifier: verifier,
		ttl:      ttl,
	}
}

// Verify handles GET /auth/verify. Called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 401 on failure.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	claims, err := h.verifier.Validate(parts[1])
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", claims.UserID)
	c.Set("X-User-Email", claims.Email)
	return c.SendStatus(fiber.StatusOK)
}

type tokenRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Token handles POST /auth/token. Only mounted in development.
func (h *AuthHandler) Token(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return response.ValidationError(c, "Validation failed", fiber.Map{"userId": "required"})
	}

	token, err := h.verifier.Issue(req.UserID, req.Email, h.ttl)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, model.TokenResponse{Token: token, ExpiresIn: int(h.ttl.Seconds())})
}
