package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"alarm-dispatcher/internal/observability"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics) {
	// Recovery middleware
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	app.Use(requestid.New())

	// CORS middleware
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-API-Key",
	}))

	// Logging middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
			zap.String("user_agent", c.Get("User-Agent")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(),
				c.Path(),
				fmt.Sprintf("%d", status),
			).Inc()

			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(),
				c.Path(),
				fmt.Sprintf("%d", status),
			).Observe(duration.Seconds())
		}

		return err
	})
}

// RequireAPIKey validates X-API-Key against the bcrypt hash from
// config. An empty hash disables auth for local development.
func RequireAPIKey(keyHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if keyHash == "" {
			return c.Next()
		}
		key := c.Get("X-API-Key")
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-API-Key header",
			})
		}
		if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid API key",
			})
		}
		return c.Next()
	}
}
