package handler

import (
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Check reports whether one dependency is usable.
type Check func() bool

type HealthHandler struct {
	checks map[string]Check
}

func NewHealthHandler(checks map[string]Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Root handles GET /
func (h *HealthHandler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"timestamp": time.Now().Unix(),
	})
}

// Health handles GET /health. It always answers 200; a failing dependency
// turns the status to degraded.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	services := fiber.Map{}
	for _, name := range names {
		ok := h.checks[name]()
		services[name] = ok
		if !ok {
			status = "degraded"
		}
	}

	return c.JSON(fiber.Map{
		"status":   status,
		"services": services,
	})
}
