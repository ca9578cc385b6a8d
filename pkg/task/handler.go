package task

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cstcloud/vtscan/internal/httpserver"
	"github.com/cstcloud/vtscan/pkg/scanner"
)

// Handler exposes the task-service HTTP endpoints the Scanner Registry and
// Resource Autoscaler reconcilers call to read task-load figures they have
// no direct database access to in a multi-replica deployment.
type Handler struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewHandler creates a task Handler.
func NewHandler(pool *pgxpool.Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

// Routes returns a chi.Router with the three task-service endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/list_engine_tasks_num", h.handleListEngineTasksNum)
	r.Get("/list_running_tasks_num", h.handleListRunningTasksNum)
	r.Get("/get_running_task_num", h.handleGetRunningTaskNum)
	return r
}

type engineTaskCount struct {
	ScannerType string `json:"scanner_type"`
	Num         int    `json:"num"`
}

type listEngineTasksNumResponse struct {
	TypeNum   int               `json:"type_num"`
	TaskCount []engineTaskCount `json:"task_count"`
}

// handleListEngineTasksNum backs /list_engine_tasks_num: the queued+running
// count per engine, used by the autoscaler's load-low phase.
func (h *Handler) handleListEngineTasksNum(w http.ResponseWriter, r *http.Request) {
	store := NewStore(h.pool)
	counts, err := store.EngineLoadCounts(r.Context())
	if err != nil {
		h.logger.Error("listing engine task counts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list engine task counts")
		return
	}

	resp := listEngineTasksNumResponse{TaskCount: make([]engineTaskCount, 0, len(counts))}
	for engine, n := range counts {
		resp.TaskCount = append(resp.TaskCount, engineTaskCount{ScannerType: engine, Num: n})
	}
	resp.TypeNum = len(resp.TaskCount)
	httpserver.Respond(w, http.StatusOK, resp)
}

type scannerTaskCount struct {
	ScannerID string `json:"scanner_id"`
	Num       int    `json:"num"`
}

type listRunningTasksNumResponse struct {
	ScannerNum int                `json:"scanner_num"`
	TaskCount  []scannerTaskCount `json:"task_count"`
}

// handleListRunningTasksNum backs /list_running_tasks_num: the running task
// count per scanner id, restricted to scanners of the requested engines.
// Engines are a comma-separated "engines" query parameter; an empty or
// missing parameter matches every engine.
func (h *Handler) handleListRunningTasksNum(w http.ResponseWriter, r *http.Request) {
	var engines []string
	if raw := r.URL.Query().Get("engines"); raw != "" {
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				engines = append(engines, e)
			}
		}
	}
	engineSet := make(map[string]bool, len(engines))
	for _, e := range engines {
		engineSet[e] = true
	}

	scanners, err := scanner.NewStore(h.pool).ListNonTerminal(r.Context())
	if err != nil {
		h.logger.Error("listing scanners", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list scanners")
		return
	}

	counts, err := NewStore(h.pool).RunningCountByScanner(r.Context())
	if err != nil {
		h.logger.Error("counting running tasks by scanner", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count running tasks")
		return
	}

	resp := listRunningTasksNumResponse{TaskCount: []scannerTaskCount{}}
	for _, sc := range scanners {
		if len(engineSet) > 0 && !engineSet[sc.Engine] {
			continue
		}
		resp.TaskCount = append(resp.TaskCount, scannerTaskCount{ScannerID: sc.ID.String(), Num: counts[sc.ID]})
	}
	resp.ScannerNum = len(resp.TaskCount)
	httpserver.Respond(w, http.StatusOK, resp)
}

type getRunningTaskNumResponse struct {
	RunningTaskNum int `json:"running_task_num"`
}

// handleGetRunningTaskNum backs /get_running_task_num: the running task
// count for one named scanner, used by the registry's drain check.
func (h *Handler) handleGetRunningTaskNum(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("scanner_name")
	if name == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "scanner_name is required")
		return
	}

	sc, err := scanner.NewStore(h.pool).GetByName(r.Context(), name)
	if err != nil {
		h.logger.Error("resolving scanner by name", "name", name, "error", err)
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "scanner not found")
		return
	}

	n, err := NewStore(h.pool).RunningCountForScanner(r.Context(), sc.ID)
	if err != nil {
		h.logger.Error("counting running tasks for scanner", "scanner_id", sc.ID, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count running tasks")
		return
	}

	httpserver.Respond(w, http.StatusOK, getRunningTaskNumResponse{RunningTaskNum: n})
}
