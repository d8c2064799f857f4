package pkg

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"flowcron/pkg/utils"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const queueStatsCacheKey = "queueStats"
const queueStatsCacheDuration = 5 * time.Second

// CycleStatsReader is implemented by queues that also keep dispatch cycle
// stats around.
type CycleStatsReader interface {
	LastCycleStats(ctx context.Context) (map[string]string, error)
}

// Server mounts the internal API consumed by the workflow service, the
// dispatcher and operators. Everything lives under /v1/internal behind
// service-key auth.
type Server struct {
	config     *Config
	schedules  *ScheduleStore
	executions *ExecutionStore
	queue      TriggerQueue

	cache *utils.Cache
}

func NewServer(config *Config, schedules *ScheduleStore, executions *ExecutionStore, queue TriggerQueue) *Server {
	return &Server{
		config:     config,
		schedules:  schedules,
		executions: executions,
		queue:      queue,
		cache:      utils.NewCache(),
	}
}

func (s *Server) MountRoutes(engine *gin.Engine) {
	internal := engine.Group("/v1/internal", GetServiceAuthMiddleware(s.config))

	internal.GET("/schedules", utils.WrapRequest(s.listSchedules))
	internal.GET("/schedules/:scheduleId", utils.WrapRequest(s.getSchedule))
	internal.POST("/schedules/:scheduleId/result", utils.WrapRequest(s.reportScheduleResult))
	internal.PUT("/workflows/:workflowId/schedule", utils.WrapRequest(s.syncWorkflowSchedule))
	internal.GET("/workflows/:workflowId/executions", utils.WrapRequest(s.listWorkflowExecutions))
	internal.GET("/executions/:executionId", utils.WrapRequest(s.getExecution))
	internal.GET("/queue/stats", utils.WrapRequest(s.queueStats))
	internal.GET("/queue/dead", utils.WrapRequest(s.listDeadLetters))
	internal.POST("/queue/dead/replay", utils.WrapRequest(s.replayDeadLetters))

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.WithFields(logrus.Fields{
			"routes": spew.Sdump(engine.Routes()),
		}).Debug("mounted internal routes")
	} else {
		logrus.Info("mounted internal routes")
	}
}

// listSchedules feeds the dispatcher: every enabled schedule, with
// nextRunAt refreshed on the way out so the stored values track the
// dispatch cadence without a dedicated recompute loop.
func (s *Server) listSchedules(c *gin.Context) (interface{}, error) {
	ctx := c.Request.Context()

	schedules, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	if _, err := s.schedules.RefreshNextRuns(ctx, schedules); err != nil {
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	refs := make([]*ScheduleRef, 0, len(schedules))
	for _, schedule := range schedules {
		refs = append(refs, &ScheduleRef{
			Id:             schedule.Id,
			WorkflowId:     schedule.WorkflowId,
			CronExpression: schedule.CronExpression,
			Timezone:       schedule.Timezone,
		})
	}

	return refs, nil
}

func (s *Server) getSchedule(c *gin.Context) (interface{}, error) {
	schedule, err := s.schedules.GetById(c.Request.Context(), c.Param("scheduleId"))
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, utils.NewRequestError(http.StatusNotFound, err)
		}
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	return schedule, nil
}

type scheduleResultRequest struct {
	Status string `json:"status" mapstructure:"status" validate:"required,oneof=success error"`
	Error  string `json:"error" mapstructure:"error"`
}

func (s *Server) reportScheduleResult(c *gin.Context) (interface{}, error) {
	req := scheduleResultRequest{}
	if err := utils.BindBody(c, &req); err != nil {
		return nil, errors.WithMessage(err, "failed to parse result payload")
	}
	if err := validate.Struct(&req); err != nil {
		return nil, errors.WithMessage(err, "invalid result payload")
	}

	schedule, err := s.schedules.UpdateAfterRun(c.Request.Context(), c.Param("scheduleId"), req.Status, req.Error)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, utils.NewRequestError(http.StatusNotFound, err)
		}
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	return schedule, nil
}

// syncWorkflowSchedule is the single write boundary for schedules: the
// workflow service pushes the current trigger config here on every save.
func (s *Server) syncWorkflowSchedule(c *gin.Context) (interface{}, error) {
	trigger := TriggerConfig{}
	if err := utils.BindBody(c, &trigger); err != nil {
		return nil, errors.WithMessage(err, "failed to parse trigger config")
	}

	schedule, err := s.schedules.SyncSchedule(c.Request.Context(), c.Param("workflowId"), &trigger)
	if err != nil {
		if errors.Is(err, ErrInvalidTriggerConfig) {
			return nil, err
		}
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	if schedule == nil {
		return gin.H{"removed": true}, nil
	}

	return schedule, nil
}

func (s *Server) listWorkflowExecutions(c *gin.Context) (interface{}, error) {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return nil, err
	}

	executions, err := s.executions.ListRecentByWorkflow(c.Request.Context(), c.Param("workflowId"), limit)
	if err != nil {
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	return executions, nil
}

func (s *Server) getExecution(c *gin.Context) (interface{}, error) {
	execution, err := s.executions.Get(c.Request.Context(), c.Param("executionId"))
	if err != nil {
		if errors.Is(err, ErrExecutionNotFound) {
			return nil, utils.NewRequestError(http.StatusNotFound, err)
		}
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	return execution, nil
}

func (s *Server) queueStats(c *gin.Context) (interface{}, error) {
	if cached := s.cache.Get(queueStatsCacheKey); cached != nil {
		return cached, nil
	}

	ctx := c.Request.Context()

	depths, err := s.queue.Depths(ctx)
	if err != nil {
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	stats := gin.H{
		"depths": depths,
	}

	if reader, ok := s.queue.(CycleStatsReader); ok {
		lastCycle, err := reader.LastCycleStats(ctx)
		if err != nil {
			logrus.WithError(err).Warn("failed to load last cycle stats")
		} else if len(lastCycle) > 0 {
			stats["lastCycle"] = lastCycle
		}
	}

	s.cache.SetWithDuration(queueStatsCacheKey, stats, queueStatsCacheDuration)

	return stats, nil
}

func (s *Server) listDeadLetters(c *gin.Context) (interface{}, error) {
	limit, err := parseQueryInt(c, "limit")
	if err != nil {
		return nil, err
	}

	entries, err := s.queue.ListDead(c.Request.Context(), limit)
	if err != nil {
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	if entries == nil {
		entries = []*DeadLetterEntry{}
	}

	return entries, nil
}

func (s *Server) replayDeadLetters(c *gin.Context) (interface{}, error) {
	count, err := parseQueryInt(c, "count")
	if err != nil {
		return nil, err
	}

	replayed, err := s.queue.ReplayDead(c.Request.Context(), count)
	if err != nil {
		return nil, utils.NewRequestError(http.StatusInternalServerError, err)
	}

	return gin.H{"replayed": replayed}, nil
}

func parseQueryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return 0, errors.Errorf("invalid %s: %s", key, raw)
	}

	return parsed, nil
}
