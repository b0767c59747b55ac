package transactions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/auth"
	"github.com/medledger/medledger/internal/queue"
)

// Handler exposes the transaction API.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

// NewHandler creates the HTTP handler for transactions.
func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With().Str("component", "transactions_handler").Logger(),
	}
}

// RegisterRoutes mounts the transaction endpoints on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/transactions", h.SubmitTransaction)
	g.GET("/jobs/:jobId", h.GetJob)
	g.GET("/queue/stats", h.GetQueueStats)
	g.DELETE("/queue/failed", h.ClearFailedJobs)
	g.PUT("/records/:key", h.UpdateRecord)
}

type submitRequest struct {
	Function  string            `json:"function"`
	Args      []string          `json:"args"`
	Kind      string            `json:"kind"`
	Async     bool              `json:"async"`
	Transient map[string]string `json:"transient"`
}

type submitResponse struct {
	Result any `json:"result"`
}

type enqueueResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type jobResponse struct {
	JobID        string     `json:"jobId"`
	Status       string     `json:"status"`
	Function     string     `json:"function"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"maxAttempts"`
	Progress     int        `json:"progress"`
	Result       any        `json:"result,omitempty"`
	FailedReason string     `json:"failedReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type clearFailedResponse struct {
	Cleared int `json:"cleared"`
}

// SubmitTransaction runs a transaction for the caller's identity, either
// synchronously or through the retry queue when async is set.
func (h *Handler) SubmitTransaction(c echo.Context) error {
	identity := auth.IdentityFrom(c)
	if identity == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity on request")
	}

	var body submitRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	req, err := buildRequest(identity, body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if body.Async {
		job, err := h.service.ExecuteAsync(c.Request().Context(), req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusAccepted, enqueueResponse{JobID: job.ID, Status: job.Status})
	}

	payload, err := h.service.Execute(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, submitResponse{Result: renderPayload(payload)})
}

// GetJob returns the state of a queued transaction.
func (h *Handler) GetJob(c echo.Context) error {
	job, err := h.service.JobStatus(c.Request().Context(), c.Param("jobId"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, jobView(job))
}

// GetQueueStats returns queue counters. A store outage yields zeroed counters
// with an error field rather than a failed request.
func (h *Handler) GetQueueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.QueueStats(c.Request().Context()))
}

// ClearFailedJobs removes jobs that exhausted their retry budget.
func (h *Handler) ClearFailedJobs(c echo.Context) error {
	n, err := h.service.ClearFailed(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, clearFailedResponse{Cleared: n})
}

// UpdateRecord shallow-merges the request body into the record at :key,
// retrying on ledger version conflicts.
func (h *Handler) UpdateRecord(c echo.Context) error {
	identity := auth.IdentityFrom(c)
	if identity == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity on request")
	}

	key := c.Param("key")
	patch, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	record, err := h.service.UpdateRecord(c.Request().Context(), identity, key, patch)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return err
	}
	return c.JSON(http.StatusOK, record)
}

func buildRequest(identity string, body submitRequest) (ledger.Request, error) {
	kind := ledger.KindSubmit
	switch body.Kind {
	case "", string(ledger.KindSubmit):
	case string(ledger.KindQuery):
		kind = ledger.KindQuery
	case string(ledger.KindSubmitPrivate):
		kind = ledger.KindSubmitPrivate
	default:
		return ledger.Request{}, errors.New("kind must be submit, submit-private or query")
	}
	if body.Function == "" {
		return ledger.Request{}, errors.New("function is required")
	}
	if kind == ledger.KindSubmitPrivate && len(body.Transient) == 0 {
		return ledger.Request{}, errors.New("submit-private requires transient data")
	}

	var transient map[string][]byte
	if len(body.Transient) > 0 {
		transient = make(map[string][]byte, len(body.Transient))
		for k, v := range body.Transient {
			transient[k] = []byte(v)
		}
	}

	return ledger.Request{
		Kind:      kind,
		Function:  body.Function,
		Args:      body.Args,
		Identity:  identity,
		Transient: transient,
	}, nil
}

// renderPayload returns chaincode output as structured JSON when it is valid
// JSON, otherwise as a plain string.
func renderPayload(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}

func jobView(job *queue.Job) jobResponse {
	return jobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		Function:     job.Function,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Progress:     job.Progress,
		Result:       renderPayload(job.Result),
		FailedReason: job.FailedReason,
		CreatedAt:    job.CreatedAt,
		CompletedAt:  job.CompletedAt,
	}
}
