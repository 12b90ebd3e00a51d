package api

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/breaker"
	"alarm-dispatcher/internal/db"
	"alarm-dispatcher/internal/dlq"
	"alarm-dispatcher/internal/gate"
	"alarm-dispatcher/internal/modempool"
	"alarm-dispatcher/internal/queue"
	"alarm-dispatcher/internal/registry"
	"alarm-dispatcher/internal/state"
	"alarm-dispatcher/internal/templates"
)

type Handlers struct {
	store    *alarms.Store
	dlqStore *dlq.Store
	modems   *modempool.Store
	renderer *templates.Renderer
	state    *state.Manager
	gate     *gate.Gate
	registry *registry.Registry
	breakers *breaker.Store
	queue    *queue.Queue
	postgres *db.Postgres
	redis    *db.RedisClient
	logger   *zap.Logger

	// Breaker rows older than this are treated as belonging to dead
	// workers and hidden.
	breakerMaxAge time.Duration
}

func NewHandlers(
	store *alarms.Store,
	dlqStore *dlq.Store,
	modems *modempool.Store,
	renderer *templates.Renderer,
	stateMgr *state.Manager,
	g *gate.Gate,
	reg *registry.Registry,
	breakers *breaker.Store,
	q *queue.Queue,
	postgres *db.Postgres,
	redis *db.RedisClient,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		store:         store,
		dlqStore:      dlqStore,
		modems:        modems,
		renderer:      renderer,
		state:         stateMgr,
		gate:          g,
		registry:      reg,
		breakers:      breakers,
		queue:         q,
		postgres:      postgres,
		redis:         redis,
		logger:        logger,
		breakerMaxAge: 10 * time.Minute,
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func internalError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}

func requestedBy(c *fiber.Ctx) string {
	if by := c.Get("X-Requested-By"); by != "" {
		return by
	}
	return "admin"
}

// Health endpoints

func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	checks := fiber.Map{}
	ready := true

	if err := h.store.Health(c.Context()); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	} else {
		checks["postgres"] = "ok"
	}
	if err := h.redis.HealthCheck(c.Context()); err != nil {
		checks["redis"] = err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}
	if err := h.queue.HealthCheck(c.Context()); err != nil {
		checks["nats"] = err.Error()
		ready = false
	} else {
		checks["nats"] = "ok"
	}

	status := fiber.StatusOK
	if !ready {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"ready": ready, "checks": checks})
}

// System state

func (h *Handlers) GetState(c *fiber.Ctx) error {
	return c.JSON(h.state.Snapshot())
}

func (h *Handlers) Pause(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Reason == "" {
		return badRequest(c, "reason is required")
	}
	if err := h.state.SetPaused(c.Context(), true, req.Reason, requestedBy(c)); err != nil {
		return internalError(c, err)
	}
	return c.JSON(h.state.Snapshot())
}

func (h *Handlers) Resume(c *fiber.Ctx) error {
	if err := h.state.SetPaused(c.Context(), false, "", requestedBy(c)); err != nil {
		return internalError(c, err)
	}
	return c.JSON(h.state.Snapshot())
}

func (h *Handlers) SetMock(c *fiber.Ctx) error {
	var req struct {
		MockSMS   bool `json:"mock_sms"`
		MockEmail bool `json:"mock_email"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := h.state.SetMock(c.Context(), req.MockSMS, req.MockEmail); err != nil {
		return internalError(c, err)
	}
	return c.JSON(h.state.Snapshot())
}

// Circuit breakers

func (h *Handlers) ListBreakers(c *fiber.Ctx) error {
	statuses, err := h.breakers.List(c.Context(), h.breakerMaxAge)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"breakers": statuses})
}

func (h *Handlers) ResetBreaker(c *fiber.Ctx) error {
	channel := c.Params("channel")
	if !validChannel(channel) {
		return badRequest(c, "unknown channel")
	}
	err := h.queue.PublishBreakerReset(&queue.BreakerResetCommand{
		Channel:     channel,
		RequestedBy: requestedBy(c),
	})
	if err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":  "reset requested",
		"channel": channel,
	})
}

func validChannel(s string) bool {
	for _, ch := range alarms.AllChannels() {
		if string(ch) == s {
			return true
		}
	}
	return false
}

// Dead-letter queue

func (h *Handlers) ListDLQ(c *fiber.Ctx) error {
	f := dlq.Filter{
		Channel:   c.Query("channel"),
		ErrorType: c.Query("error_type"),
		Limit:     c.QueryInt("limit", 100),
	}
	if olderThan := c.Query("older_than"); olderThan != "" {
		d, err := time.ParseDuration(olderThan)
		if err != nil {
			return badRequest(c, "older_than must be a duration like 1h")
		}
		f.OlderThan = d
	}

	items, err := h.dlqStore.List(c.Context(), f)
	if err != nil {
		return internalError(c, err)
	}
	depth, err := h.dlqStore.Depth(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"depth": depth, "items": items})
}

func (h *Handlers) ReprocessDLQItem(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid DLQ item id")
	}
	if _, err := h.dlqStore.Get(c.Context(), int64(id)); err != nil {
		if errors.Is(err, dlq.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "DLQ item not found"})
		}
		return internalError(c, err)
	}

	cmd := queue.ReprocessCommand{
		ItemID:      int64(id),
		RequestedBy: requestedBy(c),
	}
	if err := h.queue.PublishReprocess(&cmd); err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "reprocess requested", "item_id": id, "command_id": cmd.CommandID,
	})
}

func (h *Handlers) ReprocessDLQBatch(c *fiber.Ctx) error {
	var req struct {
		Channel   string `json:"channel"`
		ErrorType string `json:"error_type"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	cmd := queue.ReprocessCommand{
		Channel:     req.Channel,
		ErrorType:   req.ErrorType,
		RequestedBy: requestedBy(c),
	}
	if err := h.queue.PublishReprocess(&cmd); err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "reprocess requested", "command_id": cmd.CommandID,
	})
}

// Pending alarm replay: republish bus events for alarms whose channel
// flag is set but whose sent marker never flipped (missed events).

func (h *Handlers) ReprocessPending(c *fiber.Ctx) error {
	var req struct {
		Channel string `json:"channel"`
		Limit   int    `json:"limit"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !validChannel(req.Channel) {
		return badRequest(c, "unknown channel")
	}
	if req.Limit <= 0 || req.Limit > 1000 {
		req.Limit = 100
	}

	events, err := h.store.PendingEvents(c.Context(), alarms.Channel(req.Channel), req.Limit)
	if err != nil {
		return internalError(c, err)
	}
	published := 0
	for i := range events {
		if err := h.queue.PublishEvent(c.Context(), &events[i]); err != nil {
			h.logger.Error("failed to republish pending alarm",
				zap.Int64("alarm_id", events[i].AlarmID), zap.Error(err))
			continue
		}
		published++
	}
	return c.JSON(fiber.Map{"pending": len(events), "published": published})
}

// Modems

func (h *Handlers) ListModems(c *fiber.Ctx) error {
	modems, err := h.modems.List(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"modems": modems})
}

func (h *Handlers) GetModem(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid modem id")
	}
	m, err := h.modems.Get(c.Context(), int64(id))
	if err != nil {
		if errors.Is(err, modempool.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "modem not found"})
		}
		return internalError(c, err)
	}
	return c.JSON(m)
}

func (h *Handlers) CreateModem(c *fiber.Ctx) error {
	var m modempool.Modem
	if err := c.BodyParser(&m); err != nil {
		return badRequest(c, "invalid request body")
	}
	if m.Name == "" || m.Host == "" || m.Port == 0 {
		return badRequest(c, "name, host and port are required")
	}
	if err := h.modems.Create(c.Context(), &m); err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (h *Handlers) UpdateModem(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid modem id")
	}
	var m modempool.Modem
	if err := c.BodyParser(&m); err != nil {
		return badRequest(c, "invalid request body")
	}
	m.ID = int64(id)
	if err := h.modems.Update(c.Context(), &m); err != nil {
		if errors.Is(err, modempool.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "modem not found"})
		}
		return internalError(c, err)
	}
	return c.JSON(m)
}

func (h *Handlers) DeleteModem(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid modem id")
	}
	if err := h.modems.Delete(c.Context(), int64(id)); err != nil {
		if errors.Is(err, modempool.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "modem not found"})
		}
		return internalError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) ResetModemPackage(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid modem id")
	}
	var req struct {
		Size      int        `json:"size"`
		ExpiresAt *time.Time `json:"expires_at"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Size <= 0 {
		return badRequest(c, "size must be positive")
	}
	if err := h.modems.ResetPackage(c.Context(), int64(id), req.Size, req.ExpiresAt); err != nil {
		if errors.Is(err, modempool.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "modem not found"})
		}
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"status": "package reset", "modem_id": id, "size": req.Size})
}

func (h *Handlers) ModemUsage(c *fiber.Ctx) error {
	days := c.QueryInt("days", 30)
	if days <= 0 || days > 365 {
		days = 30
	}
	since := time.Now().AddDate(0, 0, -days)
	usage, err := h.modems.Usage(c.Context(), since)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"since": since.Format("2006-01-02"), "usage": usage})
}

// Contacts

func (h *Handlers) ListContacts(c *fiber.Ctx) error {
	imei := c.Query("imei")
	if imei == "" {
		return badRequest(c, "imei query parameter is required")
	}
	contacts, err := h.store.Contacts(c.Context(), imei)
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"contacts": contacts})
}

func (h *Handlers) CreateContact(c *fiber.Ctx) error {
	var contact alarms.Contact
	if err := c.BodyParser(&contact); err != nil {
		return badRequest(c, "invalid request body")
	}
	if contact.IMEI == "" {
		return badRequest(c, "imei is required")
	}
	if err := h.store.CreateContact(c.Context(), &contact); err != nil {
		return badRequest(c, err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(contact)
}

func (h *Handlers) UpdateContact(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid contact id")
	}
	var contact alarms.Contact
	if err := c.BodyParser(&contact); err != nil {
		return badRequest(c, "invalid request body")
	}
	contact.ID = int64(id)
	if err := h.store.UpdateContact(c.Context(), &contact); err != nil {
		if errors.Is(err, alarms.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "contact not found"})
		}
		return internalError(c, err)
	}
	return c.JSON(contact)
}

func (h *Handlers) DeleteContact(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid contact id")
	}
	if err := h.store.DeleteContact(c.Context(), int64(id)); err != nil {
		return internalError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Templates

func (h *Handlers) ListTemplates(c *fiber.Ctx) error {
	tpls, err := h.renderer.List(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"templates": tpls})
}

func (h *Handlers) UpsertTemplate(c *fiber.Ctx) error {
	var t templates.Template
	if err := c.BodyParser(&t); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !validChannel(string(t.Channel)) {
		return badRequest(c, "unknown channel")
	}
	if t.AlarmType == "" {
		return badRequest(c, "alarm_type is required (use * for the channel default)")
	}
	if err := h.renderer.Upsert(c.Context(), &t); err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(t)
}

func (h *Handlers) DeleteTemplate(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil {
		return badRequest(c, "invalid template id")
	}
	if err := h.renderer.Delete(c.Context(), int64(id)); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "template not found"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Workers

func (h *Handlers) ListWorkers(c *fiber.Ctx) error {
	workers, err := h.registry.Workers(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"workers": workers})
}

func (h *Handlers) WorkerStats(c *fiber.Ctx) error {
	stats, err := h.registry.Stats(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(stats)
}

// Bounce suppression

func (h *Handlers) ListBounces(c *fiber.Ctx) error {
	emails, err := h.gate.SuppressedList(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"suppressed": emails})
}

func (h *Handlers) AddBounce(c *fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !strings.Contains(req.Email, "@") {
		return badRequest(c, "valid email is required")
	}
	if err := h.gate.Suppress(c.Context(), req.Email); err != nil {
		return internalError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"suppressed": req.Email})
}

func (h *Handlers) RemoveBounce(c *fiber.Ctx) error {
	email := c.Params("email")
	if email == "" {
		return badRequest(c, "email is required")
	}
	if err := h.gate.Unsuppress(c.Context(), email); err != nil {
		return internalError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
