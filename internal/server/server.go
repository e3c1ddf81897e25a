package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"becoin/internal/app"
	"becoin/internal/domain"
	"becoin/internal/engine"
	"becoin/internal/export"
	"becoin/internal/logger"
	"becoin/internal/repo"
)

const defaultExportCacheMB = 16

// Config for the HTTP API handler.
type Config struct {
	Session *app.Session
	// Repo enables the archive-backed endpoints. It may be nil.
	Repo     *repo.Repo
	BasePath string
	Log      *slog.Logger
	// ExportCacheMB bounds the rendered export cache. Zero means 16.
	ExportCacheMB int64
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_funds"`
	Message string         `json:"message" example:"insufficient funds: start PRJ-BETA needs 2200 but treasury holds 100"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"need\":\"2200\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	session *app.Session
	repo    *repo.Repo
	cache   *exportCache
	log     *slog.Logger
}

// New returns an HTTP handler exposing the Becoin API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Session == nil {
		return nil, errors.New("server: session is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = logger.Discard()
	}
	cacheMB := cfg.ExportCacheMB
	if cacheMB <= 0 {
		cacheMB = defaultExportCacheMB
	}
	cache, err := newExportCache(cacheMB << 20)
	if err != nil {
		return nil, fmt.Errorf("export cache: %w", err)
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(accessLogMiddleware(log))
	hcfg := huma.DefaultConfig("Becoin API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := &handlers{session: cfg.Session, repo: cfg.Repo, cache: cache, log: log}
	registerDocs(router, basePath)
	registerHealth(group, h)
	registerSnapshot(group, h)
	registerExports(group, h)
	registerTransactions(group, h)
	registerEvents(group, h)
	registerProjects(group, h)
	registerAgents(group, h)
	registerClock(group, h)
	registerLedger(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func accessLogMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", logger.RequestID(r.Context()),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, export.ErrUnknownPayload) {
		return newAPIError(http.StatusNotFound, engine.CodeNotFound, err.Error(), nil)
	}
	var stageErr *engine.StageError
	if errors.As(err, &stageErr) {
		return newAPIError(http.StatusConflict, engine.CodeStageConflict, err.Error(), map[string]any{
			"project_id": stageErr.ProjectID,
			"stage":      stageErr.Stage,
			"want":       stageErr.Want,
		})
	}
	var fundsErr *engine.FundsError
	if errors.As(err, &fundsErr) {
		return newAPIError(http.StatusUnprocessableEntity, engine.CodeInsufficientFunds, err.Error(), map[string]any{
			"need":      fundsErr.Need.String(),
			"available": fundsErr.Available.String(),
		})
	}
	msg := err.Error()
	switch code := engine.Code(err); code {
	case engine.CodeNotFound:
		return newAPIError(http.StatusNotFound, code, msg, nil)
	case engine.CodeStageConflict:
		return newAPIError(http.StatusConflict, code, msg, nil)
	case engine.CodeInsufficientFunds:
		return newAPIError(http.StatusUnprocessableEntity, code, msg, nil)
	case engine.CodeInvalidArgument:
		return newAPIError(http.StatusBadRequest, code, msg, nil)
	case engine.CodeLedgerMismatch:
		return newAPIError(http.StatusInternalServerError, code, msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, engine.CodeInternal, "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return engine.CodeInvalidArgument
	case http.StatusNotFound:
		return engine.CodeNotFound
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return engine.CodeInternal
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Becoin API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok", "run_id": h.session.RunID}}, nil
	})
}

func registerSnapshot(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-snapshot",
		Method:      http.MethodGet,
		Path:        "/snapshot",
		Summary:     "Full economy snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(h.session.Snapshot())}, nil
	})
}

func registerExports(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-exports",
		Method:      http.MethodGet,
		Path:        "/exports",
		Summary:     "List dashboard payload names",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExportListResponse `json:"body"`
	}, error) {
		return &struct {
			Body ExportListResponse `json:"body"`
		}{Body: ExportListResponse{Names: append([]string{}, export.Names...), Version: h.session.Version()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-export",
		Method:      http.MethodGet,
		Path:        "/exports/{name}",
		Summary:     "Render one dashboard payload",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Cache       string `header:"X-Cache"`
		Body        []byte
	}, error) {
		data, hit, err := h.renderExport(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		status := "miss"
		if hit {
			status = "hit"
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Cache       string `header:"X-Cache"`
			Body        []byte
		}{ContentType: "application/json", Cache: status, Body: data}, nil
	})
}

func (h *handlers) renderExport(name string) ([]byte, bool, error) {
	snap, version := h.session.VersionedSnapshot()
	if data, ok := h.cache.get(version, name); ok {
		return data, true, nil
	}
	data, err := export.Build(snap).Render(name)
	if err != nil {
		return nil, false, err
	}
	h.cache.set(version, name, data)
	return data, false, nil
}

func registerTransactions(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/transactions",
		Summary:     "List ledger transactions in id order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind      string `query:"kind" enum:"project_cost,project_revenue,payroll,burn"`
		Reference string `query:"reference"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTransactions `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		after, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		filters := repo.TransactionFilters{
			RunID:     h.session.RunID,
			Kind:      domain.TxKind(input.Kind),
			Reference: input.Reference,
			AfterID:   after,
			Limit:     limit + 1,
		}
		var items []domain.Transaction
		if h.repo != nil && h.session.RunID != "" {
			items, err = h.repo.ListTransactions(ctx, filters)
			if err != nil {
				return nil, handleError(err)
			}
		} else {
			items = filterTransactions(h.session.TransactionsSince(0), filters)
		}
		resp := paginatedTransactions{Items: []TransactionResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = mapTransactions(items)
		return &struct {
			Body paginatedTransactions `json:"body"`
		}{Body: resp}, nil
	})
}

// filterTransactions applies archive filters to the in-memory ledger.
func filterTransactions(txs []domain.Transaction, f repo.TransactionFilters) []domain.Transaction {
	var out []domain.Transaction
	for _, t := range txs {
		if t.ID <= f.AfterID {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Reference != "" && t.Reference != f.Reference {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

func registerEvents(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent run events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if h.repo == nil || h.session.RunID == "" {
			return nil, newAPIError(http.StatusNotFound, engine.CodeNotFound, "run archive is not available", nil)
		}
		limit := normalizeLimit(input.Limit)
		before, err := parseCursor(input.Cursor)
		if err != nil {
			return nil, err
		}
		items, err := h.repo.LatestEvents(ctx, repo.EventFilters{
			RunID:  h.session.RunID,
			Type:   input.Type,
			Before: before,
			Limit:  limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

type projectPath struct {
	ID string `path:"id"`
}

func registerProjects(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Add a pipeline project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		cost, err := parseMoney("cost", input.Body.Cost)
		if err != nil {
			return nil, err
		}
		value, err := parseMoney("value", input.Body.Value)
		if err != nil {
			return nil, err
		}
		p, err := h.session.AddProject(ctx, domain.Project{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Cost:        cost,
			Value:       value,
			ImpactScore: input.Body.ImpactScore,
			Team:        input.Body.Team,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	moves := []struct {
		op      string
		summary string
		fn      func(context.Context, string) (domain.Project, error)
	}{
		{"start", "Start a pipeline project and debit its cost", h.session.StartProject},
		{"pause", "Pause an active project", h.session.PauseProject},
		{"resume", "Resume a paused project", h.session.ResumeProject},
	}
	for _, m := range moves {
		huma.Register(api, huma.Operation{
			OperationID: m.op + "-project",
			Method:      http.MethodPost,
			Path:        "/projects/{id}/" + m.op,
			Summary:     m.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *projectPath) (*struct {
			Body ProjectResponse `json:"body"`
		}, error) {
			p, err := m.fn(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body ProjectResponse `json:"body"`
			}{Body: projectResponse(p)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "complete-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/complete",
		Summary:     "Complete an active project and credit its value",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ImpactResponse `json:"body"`
	}, error) {
		rec, err := h.session.CompleteProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImpactResponse `json:"body"`
		}{Body: impactResponse(rec)}, nil
	})
}

func registerAgents(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "pay-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{id}/pay",
		Summary:     "Pay an agent from the treasury",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body PayAgentRequest `json:"body"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		amount, err := parseMoney("amount", input.Body.Amount)
		if err != nil {
			return nil, err
		}
		tx, err := h.session.PayAgent(ctx, input.ID, amount, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(tx)}, nil
	})
}

type AdvanceClockResponse struct {
	Clock   string `json:"clock" format:"date-time"`
	Balance string `json:"balance"`
	// Transaction is absent when the baseline burn is zero.
	Transaction *TransactionResponse `json:"transaction,omitempty"`
}

func registerClock(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-clock",
		Method:      http.MethodPost,
		Path:        "/clock/advance",
		Summary:     "Advance the simulated clock and apply the baseline burn",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body AdvanceClockRequest `json:"body"`
	}) (*struct {
		Body AdvanceClockResponse `json:"body"`
	}, error) {
		adv, err := h.session.Advance(ctx, input.Body.Hours)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AdvanceClockResponse{Clock: stamp(adv.Clock), Balance: adv.Balance.String()}
		if adv.Tx.ID != 0 {
			t := transactionResponse(adv.Tx)
			resp.Transaction = &t
		}
		return &struct {
			Body AdvanceClockResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerLedger(api huma.API, h *handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger/verify",
		Summary:     "Replay the ledger and check its invariants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		snap := h.session.Snapshot()
		resp := VerifyResponse{OK: true, Transactions: len(snap.Transactions), Balance: snap.Treasury.Balance.String()}
		if err := engine.Verify(snap); err != nil {
			h.log.ErrorContext(ctx, "ledger verification failed", "err", err)
			resp.OK = false
			resp.Error = err.Error()
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || id < 0 {
		return 0, newAPIError(http.StatusBadRequest, engine.CodeInvalidArgument, "invalid cursor", map[string]any{"cursor": cursor})
	}
	return id, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
