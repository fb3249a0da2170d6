package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"crisisrag/internal/app/ingest"
	"crisisrag/internal/domain/queue"
	applog "crisisrag/internal/platform/log"
)

const defaultFailedLimit = 50

// IngestHandler 手动摄取与任务查询 API
type IngestHandler struct {
	runner IngestRunner
	tasks  FailedTaskLister
}

// NewIngestHandler 创建摄取处理器
func NewIngestHandler(runner IngestRunner, tasks FailedTaskLister) *IngestHandler {
	return &IngestHandler{runner: runner, tasks: tasks}
}

// RegisterRoutes 注册摄取路由
func (h *IngestHandler) RegisterRoutes(r chi.Router) {
	r.Route("/ingest", func(r chi.Router) {
		r.Post("/run", h.RunAll)
		r.Post("/{source}", h.RunSource)
	})
	r.Get("/tasks/failed", h.ListFailed)
}

func (h *IngestHandler) RunAll(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}
	report := h.runner.RunFull(r.Context())
	applog.Info("[API] Manual ingestion finished", "status", report.Status, "inserted", report.Totals.Inserted)
	writeJSON(w, http.StatusOK, report)
}

func (h *IngestHandler) RunSource(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}
	source := chi.URLParam(r, "source")
	res, err := h.runner.RunSource(r.Context(), source)
	if errors.Is(err, ingest.ErrUnknownSource) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		applog.Error("[API] Ingest source failed", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *IngestHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	limit := defaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	tasks, err := h.tasks.ListFailed(r.Context(), limit)
	if err != nil {
		applog.Error("[API] List failed tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}
