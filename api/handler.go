package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"workshop/config"
	"workshop/events"
	"workshop/fault"
	"workshop/history"
	"workshop/pipeline"
	"workshop/playlist"
	"workshop/project"
	"workshop/task"
)

// Settings is the slice of *config.Store the API reads and updates.
type Settings interface {
	Snapshot() config.Settings
	Update(fn func(s *config.Settings)) error
}

type Handler struct {
	schedulers map[task.Kind]*task.Scheduler
	projects   *project.Manager
	playlists  *playlist.Bootstrapper
	history    *history.Store
	bus        *events.Bus
	settings   Settings
	log        *logrus.Logger
	baseCtx    context.Context
}

type Options struct {
	Schedulers []*task.Scheduler
	Projects   *project.Manager
	Playlists  *playlist.Bootstrapper
	// History is optional; without it /history answers 404.
	History  *history.Store
	Bus      *events.Bus
	Settings Settings
	Logger   *logrus.Logger
	// BaseContext bounds background work started by requests, such as
	// playlist runs. Defaults to context.Background.
	BaseContext context.Context
}

func NewHandler(o Options) *Handler {
	h := &Handler{
		schedulers: make(map[task.Kind]*task.Scheduler, len(o.Schedulers)),
		projects:   o.Projects,
		playlists:  o.Playlists,
		history:    o.History,
		bus:        o.Bus,
		settings:   o.Settings,
		log:        o.Logger,
		baseCtx:    o.BaseContext,
	}
	if h.baseCtx == nil {
		h.baseCtx = context.Background()
	}
	for _, s := range o.Schedulers {
		h.schedulers[s.Kind()] = s
	}
	return h
}

func (h *Handler) logger() *logrus.Logger {
	if h.log == nil {
		return logrus.StandardLogger()
	}
	return h.log
}

// writeError maps the error taxonomy onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var busy *task.BusyError
	switch {
	case errors.Is(err, task.ErrDuplicate), errors.Is(err, task.ErrInvalidState), errors.As(err, &busy):
		status = http.StatusConflict
	case errors.Is(err, task.ErrNotFound), errors.Is(err, project.ErrNotFound):
		status = http.StatusNotFound
	default:
		switch fault.KindOf(err) {
		case fault.KindValidation:
			status = http.StatusBadRequest
		case fault.KindInvariant:
			status = http.StatusUnprocessableEntity
		case fault.KindConfiguration:
			status = http.StatusPreconditionFailed
		case fault.KindNetwork, fault.KindExternal:
			status = http.StatusBadGateway
		}
	}
	body := gin.H{"error": err.Error()}
	if k := fault.KindOf(err); k != "" {
		body["kind"] = k
	}
	c.JSON(status, body)
}

const ctxScheduler = "scheduler"

// resolveKind loads the scheduler named by the :kind path segment.
func (h *Handler) resolveKind(c *gin.Context) {
	kind, err := task.ParseKind(c.Param("kind"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s, ok := h.schedulers[kind]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "pipeline " + string(kind) + " is not running"})
		return
	}
	c.Set(ctxScheduler, s)
	c.Next()
}

func scheduler(c *gin.Context) *task.Scheduler {
	return c.MustGet(ctxScheduler).(*task.Scheduler)
}

func taskID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("taskId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

// handleCreateTask decodes the pipeline specific arguments and queues them.
func (h *Handler) handleCreateTask(c *gin.Context) {
	s := scheduler(c)
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	args, err := decodeArgs(s.Kind(), raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := s.Submit(args)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, scheduler(c).List())
}

func (h *Handler) handleGetTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	t, found := scheduler(c).Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) handleCancelTask(c *gin.Context) {
	h.taskAction(c, (*task.Scheduler).Cancel, "Task cancellation requested")
}

func (h *Handler) handleRetryTask(c *gin.Context) {
	h.taskAction(c, (*task.Scheduler).Retry, "Task queued again")
}

func (h *Handler) handleRemoveTask(c *gin.Context) {
	h.taskAction(c, (*task.Scheduler).Remove, "Task removed")
}

func (h *Handler) taskAction(c *gin.Context, fn func(*task.Scheduler, int64) error, msg string) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	if err := fn(scheduler(c), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

type concurrencyRequest struct {
	Concurrency int `json:"concurrency" binding:"required,min=1,max=16"`
}

// handleSetConcurrency persists the new limit. The settings change listener
// applies it to the scheduler; without a settings store it is applied here.
func (h *Handler) handleSetConcurrency(c *gin.Context) {
	var req concurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := scheduler(c)
	var err error
	if h.settings != nil {
		err = h.settings.Update(func(cfg *config.Settings) {
			cfg.Concurrency.Set(string(s.Kind()), req.Concurrency)
		})
	} else {
		err = s.SetConcurrency(req.Concurrency)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"concurrency": s.Concurrency(), "running": s.Running()})
}

type historyQuery struct {
	Kind  string `form:"kind" binding:"omitempty,oneof=download extract translate encode upload"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (h *Handler) handleHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	records, err := h.history.List(c.Request.Context(), task.Kind(q.Kind), q.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func decodeArgs(kind task.Kind, raw []byte) (task.Args, error) {
	switch kind {
	case task.KindDownload:
		return decode[pipeline.DownloadArgs](raw)
	case task.KindExtract:
		return decode[pipeline.ExtractArgs](raw)
	case task.KindTranslate:
		return decode[pipeline.TranslateArgs](raw)
	case task.KindEncode:
		return decode[pipeline.EncodeArgs](raw)
	case task.KindUpload:
		return decode[pipeline.UploadArgs](raw)
	}
	return nil, fault.Validation("unknown task kind %q", kind)
}

func decode[T task.Args](raw []byte) (task.Args, error) {
	var a T
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "invalid task arguments")
	}
	return a, nil
}
