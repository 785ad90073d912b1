package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	ws "github.com/reelforge/api/internal/websocket"
)

// Routes is everything Mount needs. SubmitLimit and Docs may be nil.
type Routes struct {
	Jobs         *JobsHandler
	Auth         *AuthHandler
	Health       *HealthHandler
	Hub          *ws.Hub
	Authenticate fiber.Handler
	SubmitLimit  fiber.Handler
	Docs         fiber.Handler
	DevTokens    bool
}

// Mount registers the HTTP and websocket routes on app.
func Mount(app *fiber.App, r Routes) {
	app.Get("/", r.Health.Root)
	app.Get("/health", r.Health.Health)

	// Swagger UI
	if r.Docs != nil {
		app.Get("/swagger/*", r.Docs)
	}

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", r.Auth.Verify)
	if r.DevTokens {
		app.Post("/auth/token", r.Auth.Token)
	}

	api := app.Group("/api", r.Authenticate)

	jobs := api.Group("/jobs")
	submit := []fiber.Handler{r.Jobs.Submit}
	if r.SubmitLimit != nil {
		submit = []fiber.Handler{r.SubmitLimit, r.Jobs.Submit}
	}
	jobs.Post("/", submit...)
	jobs.Get("/", r.Jobs.List)
	jobs.Get("/stats", r.Jobs.Stats)
	jobs.Delete("/completed", r.Jobs.ClearCompleted)
	jobs.Get("/:jobId", r.Jobs.Authorize, r.Jobs.Status)
	jobs.Get("/:jobId/result", r.Jobs.Authorize, r.Jobs.Result)
	jobs.Post("/:jobId/cancel", r.Jobs.Authorize, r.Jobs.Cancel)
	jobs.Post("/:jobId/retry", r.Jobs.Authorize, r.Jobs.Retry)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", r.Authenticate, r.Jobs.AuthorizeWatch, websocket.New(func(c *websocket.Conn) {
		r.Hub.HandleConnection(c, c.Params("jobId"))
	}))
}
