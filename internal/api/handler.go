package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/circuitbreaker"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/delay"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/queue"
)

// Request limits.
const (
	MaxMessageLength = 1024
	MaxAddressLength = 150
)

var (
	emailRegex      = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	telegramIDRegex = regexp.MustCompile(`^\d+$`)
)

// NotificationRepository defines the notification operations the API needs.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, notif *db.Notification, recipients []*db.Recipient) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListRecipients(ctx context.Context, notificationID uuid.UUID) ([]*db.Recipient, error)
	ListDeliveryLogs(ctx context.Context, notificationID uuid.UUID) ([]*db.DeliveryLog, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RecipientList accepts either a single address or a list of addresses.
type RecipientList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *RecipientList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = RecipientList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("must be a string or a list of strings")
	}
	*l = many
	return nil
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	Message   string          `json:"message"`
	Recipient json.RawMessage `json:"recipient"`
	Delay     *int            `json:"delay"`
}

// NotificationResponse is returned after creating a notification
type NotificationResponse struct {
	NotificationID  string    `json:"notification_id"`
	Status          string    `json:"status"`
	ScheduledFor    time.Time `json:"scheduled_for"`
	RecipientsCount int       `json:"recipients_count"`
}

// NotificationDetail is returned by GET /v1/notifications/{id}.
type NotificationDetail struct {
	*db.Notification
	Recipients   []*db.Recipient   `json:"recipients"`
	DeliveryLogs []*db.DeliveryLog `json:"delivery_logs"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Details map[string][]string `json:"details,omitempty"`
}

// ValidationErrors collects messages per request field.
type ValidationErrors map[string][]string

func (v ValidationErrors) add(field, msg string) {
	v[field] = append(v[field], msg)
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger    *zap.Logger
	repo      NotificationRepository
	scheduler queue.Scheduler
	checks    map[string]HealthCheck
	breakers  []*circuitbreaker.CircuitBreaker
	now       func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo NotificationRepository, scheduler queue.Scheduler) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		scheduler: scheduler,
		checks:    make(map[string]HealthCheck),
		now:       time.Now,
	}
}

// WithHealthCheck registers a dependency probed by GET /health.
func (h *Handler) WithHealthCheck(name string, check HealthCheck) *Handler {
	if check != nil {
		h.checks[name] = check
	}
	return h
}

// WithBreakers exposes circuit breaker state on GET /health.
func (h *Handler) WithBreakers(breakers ...*circuitbreaker.CircuitBreaker) *Handler {
	h.breakers = append(h.breakers, breakers...)
	return h
}

// CreateNotification handles POST /v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation error", ValidationErrors{
			"non_field_errors": {"malformed JSON body"},
		})
		return
	}

	message, recipients, tier, verrs := validate(req)
	if len(verrs) > 0 {
		h.writeError(w, http.StatusBadRequest, "Validation error", verrs)
		return
	}

	scheduledFor := delay.Resolve(tier, h.now().UTC())
	notif := &db.Notification{
		ID:           uuid.New(),
		Message:      message,
		Status:       db.StatusPending,
		Delay:        tier,
		ScheduledFor: &scheduledFor,
	}

	if err := h.repo.CreateNotification(ctx, notif, recipients); err != nil {
		h.logger.Error("failed to create notification", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	task := queue.NewTask(notif.ID)
	var err error
	if tier == delay.Immediate {
		err = h.scheduler.Submit(ctx, task)
	} else {
		err = h.scheduler.SubmitAt(ctx, task, scheduledFor)
	}
	if err != nil {
		h.logger.Error("failed to schedule notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	metrics.RecordNotificationCreated(tier.String())
	h.logger.Info("notification scheduled",
		zap.String("notification_id", notif.ID.String()),
		zap.Stringer("delay", tier),
		zap.Time("scheduled_for", scheduledFor),
		zap.Int("recipients", len(recipients)),
	)

	h.writeJSON(w, http.StatusCreated, NotificationResponse{
		NotificationID:  notif.ID.String(),
		Status:          "scheduled",
		ScheduledFor:    scheduledFor,
		RecipientsCount: len(recipients),
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Validation error", ValidationErrors{
			"id": {"must be a valid UUID"},
		})
		return
	}

	notif, err := h.repo.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Not found", nil)
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	recipients, err := h.repo.ListRecipients(ctx, id)
	if err != nil {
		h.logger.Error("failed to list recipients", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	logs, err := h.repo.ListDeliveryLogs(ctx, id)
	if err != nil {
		h.logger.Error("failed to list delivery logs", zap.Error(err), zap.String("id", idStr))
		h.writeError(w, http.StatusInternalServerError, "Internal server error", nil)
		return
	}

	if recipients == nil {
		recipients = []*db.Recipient{}
	}
	if logs == nil {
		logs = []*db.DeliveryLog{}
	}

	h.writeJSON(w, http.StatusOK, NotificationDetail{
		Notification: notif,
		Recipients:   recipients,
		DeliveryLogs: logs,
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Checks: make(map[string]string, len(h.checks))}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = "unhealthy"
			resp.Status = "unhealthy"
			continue
		}
		resp.Checks[name] = "healthy"
	}

	if len(h.breakers) > 0 {
		resp.Breakers = make(map[string]string, len(h.breakers))
		for _, cb := range h.breakers {
			resp.Breakers[cb.Name()] = cb.GetState().String()
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// validate normalizes the request and reports every field problem at once.
func validate(req NotificationRequest) (string, []*db.Recipient, delay.Tier, ValidationErrors) {
	verrs := ValidationErrors{}

	message := strings.TrimSpace(req.Message)
	switch n := utf8.RuneCountInString(message); {
	case n == 0:
		verrs.add("message", "this field may not be blank")
	case n > MaxMessageLength:
		verrs.add("message", fmt.Sprintf("ensure this field has no more than %d characters", MaxMessageLength))
	}

	var recipients []*db.Recipient
	var list RecipientList
	switch {
	case len(req.Recipient) == 0 || string(req.Recipient) == "null":
		verrs.add("recipient", "this field is required")
	default:
		if err := json.Unmarshal(req.Recipient, &list); err != nil {
			verrs.add("recipient", err.Error())
			break
		}
		if len(list) == 0 {
			verrs.add("recipient", "at least one recipient is required")
		}
		for _, raw := range list {
			addr := strings.TrimSpace(raw)
			if utf8.RuneCountInString(addr) > MaxAddressLength {
				verrs.add("recipient", fmt.Sprintf("ensure each recipient has no more than %d characters", MaxAddressLength))
				continue
			}
			typ, ok := classify(addr)
			if !ok {
				verrs.add("recipient", fmt.Sprintf("invalid recipient %q: must be an email or a numeric Telegram ID", addr))
				continue
			}
			recipients = append(recipients, &db.Recipient{Address: addr, Type: typ})
		}
	}

	var tier delay.Tier
	if req.Delay == nil {
		verrs.add("delay", "this field is required")
	} else {
		t, err := delay.ParseTier(*req.Delay)
		if err != nil {
			verrs.add("delay", "must be 0 (immediate), 1 (one hour) or 2 (one day)")
		}
		tier = t
	}

	return message, recipients, tier, verrs
}

// classify returns the channel an address is reached through.
func classify(addr string) (db.RecipientType, bool) {
	switch {
	case emailRegex.MatchString(addr):
		return db.RecipientEmail, true
	case telegramIDRegex.MatchString(addr):
		return db.RecipientTelegram, true
	default:
		return "", false
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string, details ValidationErrors) {
	h.writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
