package api

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	apiKeyHash string,
	webhooksEnabled bool,
) {
	// Set up middleware
	SetupMiddleware(app, logger, metrics)

	// Health endpoints (no auth required)
	app.Get("/healthz", handlers.HealthCheck)
	app.Get("/readyz", handlers.ReadyCheck)

	// API documentation endpoint
	app.Get("/docs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"title":   "Alarm Dispatcher Admin API",
			"version": "1.0",
			"endpoints": fiber.Map{
				"health":           "GET /healthz - Health check",
				"ready":            "GET /readyz - Readiness check (Postgres, Redis, NATS)",
				"state":            "GET /v1/state - Pause and mock flags",
				"pause":            "POST /v1/state/pause - Pause all dispatching",
				"resume":           "POST /v1/state/resume - Resume dispatching",
				"mock":             "POST /v1/state/mock - Toggle mock SMS/email delivery",
				"breakers":         "GET /v1/breakers - Circuit breaker state per worker",
				"breaker_reset":    "POST /v1/breakers/{channel}/reset - Force a breaker closed",
				"dlq":              "GET /v1/dlq - Dead-letter items (filters: channel, error_type, older_than)",
				"dlq_reprocess":    "POST /v1/dlq/{id}/reprocess - Replay one item",
				"dlq_batch":        "POST /v1/dlq/reprocess - Replay by filter",
				"pending":          "POST /v1/alarms/reprocess - Republish unsent alarms to the bus",
				"modems":           "GET/POST /v1/modems, GET/PUT/DELETE /v1/modems/{id}",
				"modem_package":    "POST /v1/modems/{id}/package-reset - New SIM package",
				"modem_usage":      "GET /v1/modems/usage?days=30 - Daily send counts",
				"contacts":         "GET /v1/contacts?imei=..., POST /v1/contacts, PUT/DELETE /v1/contacts/{id}",
				"templates":        "GET /v1/templates, PUT /v1/templates, DELETE /v1/templates/{id}",
				"workers":          "GET /v1/workers, GET /v1/workers/stats",
				"bounces":          "GET/POST /v1/bounces, DELETE /v1/bounces/{email}",
			},
			"auth": "Add header: X-API-Key: <key>",
		})
	})

	// API v1 routes (all require the admin key)
	v1 := app.Group("/v1", RequireAPIKey(apiKeyHash))

	v1.Get("/state", handlers.GetState)
	v1.Post("/state/pause", handlers.Pause)
	v1.Post("/state/resume", handlers.Resume)
	v1.Post("/state/mock", handlers.SetMock)

	v1.Get("/breakers", handlers.ListBreakers)
	v1.Post("/breakers/:channel/reset", handlers.ResetBreaker)

	v1.Get("/dlq", handlers.ListDLQ)
	v1.Post("/dlq/reprocess", handlers.ReprocessDLQBatch)
	v1.Post("/dlq/:id/reprocess", handlers.ReprocessDLQItem)

	v1.Post("/alarms/reprocess", handlers.ReprocessPending)

	modems := v1.Group("/modems")
	modems.Get("/", handlers.ListModems)
	modems.Post("/", handlers.CreateModem)
	modems.Get("/usage", handlers.ModemUsage)
	modems.Get("/:id", handlers.GetModem)
	modems.Put("/:id", handlers.UpdateModem)
	modems.Delete("/:id", handlers.DeleteModem)
	modems.Post("/:id/package-reset", handlers.ResetModemPackage)

	contacts := v1.Group("/contacts")
	contacts.Get("/", handlers.ListContacts)
	contacts.Post("/", handlers.CreateContact)
	contacts.Put("/:id", handlers.UpdateContact)
	contacts.Delete("/:id", handlers.DeleteContact)

	tpls := v1.Group("/templates")
	tpls.Get("/", handlers.ListTemplates)
	tpls.Put("/", handlers.UpsertTemplate)
	tpls.Delete("/:id", handlers.DeleteTemplate)

	workers := v1.Group("/workers")
	workers.Get("/", handlers.ListWorkers)
	workers.Get("/stats", handlers.WorkerStats)

	// Bounce list management backs the external webhook ingester; the
	// routes only exist when that integration is on.
	if webhooksEnabled {
		bounces := v1.Group("/bounces")
		bounces.Get("/", handlers.ListBounces)
		bounces.Post("/", handlers.AddBounce)
		bounces.Delete("/:email", handlers.RemoveBounce)
	}
}
