package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/blingmoon/process-router/workflow"

const (
	defaultCompletionTimeout = 30 * time.Second
	// 锁的计时在修改出线之前就开始了, 完成超时只覆盖完成调用本身,
	// 锁的最大时间至少是完成超时的两倍, 否则转向还没还原锁就自动释放了
	defaultLockTTLFactor = 2
)

// TaskRouterConfig 路由配置
type TaskRouterConfig struct {
	CompletionTimeout time.Duration  `yaml:"completion_timeout" json:"completion_timeout"`   // 完成引擎调用的超时时间, <=0 使用默认值
	LockTTL           time.Duration  `yaml:"lock_ttl" json:"lock_ttl"`                       // 节点锁最大持有时间, 小于 CompletionTimeout 的两倍时使用两倍
	FailFastWhenBusy  bool           `yaml:"fail_fast_when_busy" json:"fail_fast_when_busy"` // 节点上有转向在执行时直接返回 LockFailedError, 不排队
	Metrics           *RouterMetrics `yaml:"-" json:"-"`
	Tracer            trace.Tracer   `yaml:"-" json:"-"`
}

func (c *TaskRouterConfig) withDefaults() TaskRouterConfig {
	ret := TaskRouterConfig{}
	if c != nil {
		ret = *c
	}
	if ret.CompletionTimeout <= 0 {
		ret.CompletionTimeout = defaultCompletionTimeout
	}
	if minLockTTL := ret.CompletionTimeout * defaultLockTTLFactor; ret.LockTTL < minLockTTL {
		ret.LockTTL = minLockTTL
	}
	if ret.Tracer == nil {
		ret.Tracer = otel.Tracer(tracerName)
	}
	return ret
}

// TaskRouterImpl 任务路由
type TaskRouterImpl struct {
	definitions ProcessDefinitionStore
	tasks       TaskStore
	history     HistoryStore
	engine      CompletionEngine
	lock        WorkflowLock
	mutator     *GraphMutator
	config      TaskRouterConfig
}

func NewTaskRouter(
	definitions ProcessDefinitionStore,
	tasks TaskStore,
	history HistoryStore,
	engine CompletionEngine,
	lock WorkflowLock,
	config *TaskRouterConfig,
) TaskRouter {
	return &TaskRouterImpl{
		definitions: definitions,
		tasks:       tasks,
		history:     history,
		engine:      engine,
		lock:        lock,
		mutator:     NewGraphMutator(),
		config:      config.withDefaults(),
	}
}

func nodeRouteLockKey(processDefinitionID string, nodeID string) string {
	return fmt.Sprintf("process_node_route_%s_%s", processDefinitionID, nodeID)
}

func (s *TaskRouterImpl) Route(ctx context.Context, req *RouteRequest) (result *RouteResult, err error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "Route failed, req: %v, err: %v", req, err)
	}
	targetNodeID := strings.TrimSpace(req.TargetNodeID)
	mode := RouteModeNormal
	if targetNodeID != "" {
		mode = RouteModeReroute
	}
	ctx, span := s.config.Tracer.Start(ctx, "TaskRouter.Route", trace.WithAttributes(
		attribute.String("task.id", req.TaskID),
		attribute.String("route.mode", mode),
		attribute.String("route.target_node_id", targetNodeID),
	))
	defer func() {
		s.config.Metrics.ObserveRoute(mode, routeOutcome(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	task, err := s.tasks.ResolveTask(ctx, req.TaskID)
	if err != nil {
		return nil, errors.WithMessagef(err, "ResolveTask failed, taskID: %s", req.TaskID)
	}
	graph, err := s.definitions.LoadGraph(ctx, task.ProcessDefinitionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadGraph failed, processDefinitionID: %s", task.ProcessDefinitionID)
	}
	if graph.Suspended() {
		return nil, errors.WithMessagef(ErrProcessDefinitionSuspended, "Route failed, processDefinitionID: %s", graph.ID)
	}
	if _, err := s.definitions.FindNode(graph, task.CurrentNodeID); err != nil {
		return nil, errors.WithMessagef(err, "FindNode failed, processDefinitionID: %s, nodeID: %s", graph.ID, task.CurrentNodeID)
	}
	span.SetAttributes(
		attribute.String("process.instance_id", task.ProcessInstanceID),
		attribute.String("process.definition_id", graph.ID),
		attribute.String("route.node_id", task.CurrentNodeID),
	)

	result = &RouteResult{
		TaskID:            task.TaskID,
		ProcessInstanceID: task.ProcessInstanceID,
		NodeID:            task.CurrentNodeID,
		TargetNodeID:      targetNodeID,
		Rerouted:          mode == RouteModeReroute,
		States:            []RouteState{RouteStateIdle},
	}
	// 完成超时之后完成引擎可能还在运行, 不能和调用方共用同一个map
	variables := make(map[string]any, len(req.Variables))
	for k, v := range req.Variables {
		variables[k] = v
	}

	synchronized := s.lock.Synchronized
	if s.config.FailFastWhenBusy {
		synchronized = s.lock.NonBlockingSynchronized
	}
	err = synchronized(ctx,
		nodeRouteLockKey(graph.ID, task.CurrentNodeID),
		s.config.LockTTL,
		func(ctx context.Context) error {
			if mode == RouteModeNormal {
				result.States = append(result.States, RouteStateCompleting)
				if err := s.completeWithTimeout(ctx, task.TaskID, variables); err != nil {
					return errors.WithMessagef(err, "Complete failed, taskID: %s", task.TaskID)
				}
				return nil
			}
			return s.reroute(ctx, graph, task, targetNodeID, variables, result)
		})
	if err != nil {
		result.States = append(result.States, RouteStateFailed)
		result.Err = err
		if IsSeriousError(err) {
			slog.ErrorContext(ctx, fmt.Sprintf("[error]Route failed, taskID: %s, nodeID: %s, target: %s, err: %v", task.TaskID, task.CurrentNodeID, targetNodeID, err))
		} else {
			slog.WarnContext(ctx, fmt.Sprintf("[warn]Route failed, taskID: %s, nodeID: %s, target: %s, err: %v", task.TaskID, task.CurrentNodeID, targetNodeID, err))
		}
		return result, err
	}
	result.States = append(result.States, RouteStateDone)
	result.OK = true
	return result, nil
}

// reroute 调用方必须持有节点锁
// 本函数的 defer 是拓扑还原的唯一出口, 不要在 SnapshotAndClear 和 defer 之间加任何 return
func (s *TaskRouterImpl) reroute(ctx context.Context, graph *ProcessGraph, task *TaskRef, targetNodeID string, variables map[string]any, result *RouteResult) (err error) {
	nodeID := task.CurrentNodeID
	originals, err := s.mutator.SnapshotAndClear(graph, nodeID)
	if err != nil {
		return errors.WithMessagef(err, "SnapshotAndClear failed, taskID: %s", task.TaskID)
	}
	start := time.Now()
	defer func() {
		s.mutator.Restore(graph, nodeID, originals)
		result.States = append(result.States, RouteStateRestored)
		s.config.Metrics.IncRestore()
		s.config.Metrics.ObserveReroute(routeOutcome(err), time.Since(start))
	}()

	transientID, err := s.mutator.SpliceTransient(graph, nodeID, targetNodeID)
	if err != nil {
		return errors.WithMessagef(err, "SpliceTransient failed, taskID: %s", task.TaskID)
	}
	result.TransientTransitionID = transientID
	result.States = append(result.States, RouteStateGraphEdited, RouteStateCompleting)
	slog.InfoContext(ctx, "reroute task",
		"taskID", task.TaskID,
		"processInstanceID", task.ProcessInstanceID,
		"nodeID", nodeID,
		"targetNodeID", targetNodeID,
		"transientTransitionID", transientID,
		"originalTransitions", SortedTransitionIDs(originals),
	)

	if completeErr := s.completeWithTimeout(ctx, task.TaskID, variables); completeErr != nil {
		return &RerouteError{
			TaskID:       task.TaskID,
			NodeID:       nodeID,
			TargetNodeID: targetNodeID,
			Err:          completeErr,
		}
	}
	return nil
}

// completeWithTimeout 有超时的完成调用, 完成引擎里面的 panic 也会转换成错误
// 超时之后不会等待完成引擎返回, 这时出线可能已经还原, 节点锁也可能被下一个转向拿到,
// 所以完成引擎在 ctx 结束之后不能再读取流程图, 也不能再提交自己的状态
func (s *TaskRouterImpl) completeWithTimeout(ctx context.Context, taskID string, variables map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.CompletionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.ErrorContext(ctx, fmt.Sprintf("Complete panic: %v, taskID: %s, stack: %s", r, taskID, string(debug.Stack())))
				done <- errors.Errorf("Complete panic: %v, taskID: %s", r, taskID)
			}
		}()
		done <- s.engine.Complete(ctx, taskID, variables)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
			return errors.WithMessagef(ErrCompletionTimeout, "taskID: %s, timeout: %s, err: %v", taskID, s.config.CompletionTimeout, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.WithMessagef(ErrCompletionTimeout, "taskID: %s, timeout: %s", taskID, s.config.CompletionTimeout)
		}
		return errors.WithMessagef(ctx.Err(), "Complete canceled, taskID: %s", taskID)
	}
}

func (s *TaskRouterImpl) Reject(ctx context.Context, taskID string) (*RejectResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, errors.Wrapf(ErrParamInvalid, "Reject failed, taskID is empty")
	}
	task, err := s.tasks.ResolveTask(ctx, taskID)
	if err != nil {
		return nil, errors.WithMessagef(err, "ResolveTask failed, taskID: %s", taskID)
	}
	historicTasks, err := s.history.ListHistoricTasks(ctx, task.ProcessInstanceID)
	if err != nil {
		return nil, errors.Wrapf(ErrHistoryQueryFailed, "ListHistoricTasks failed, processInstanceID: %s, err: %v", task.ProcessInstanceID, err)
	}
	target := lastFinishedTask(historicTasks, task.CurrentNodeID)
	if target == nil {
		return nil, errors.WithMessagef(ErrNoRejectTarget, "Reject failed, taskID: %s, processInstanceID: %s", taskID, task.ProcessInstanceID)
	}

	siblings, err := s.tasks.ListActiveTasks(ctx, task.ProcessInstanceID, task.CurrentNodeID)
	if err != nil {
		return nil, errors.WithMessagef(err, "ListActiveTasks failed, processInstanceID: %s, nodeID: %s", task.ProcessInstanceID, task.CurrentNodeID)
	}
	ret := &RejectResult{
		TaskID:        taskID,
		TargetNodeID:  target.TaskDefinitionKey,
		RejectedTasks: make([]string, 0, len(siblings)),
	}
	// 所有并行任务节点，同时驳回
	for _, sibling := range siblings {
		_, err := s.Route(ctx, &RouteRequest{
			TaskID:       sibling.TaskID,
			TargetNodeID: target.TaskDefinitionKey,
		})
		if err != nil {
			return ret, errors.WithMessagef(err, "Reject failed, taskID: %s, sibling: %s", taskID, sibling.TaskID)
		}
		ret.RejectedTasks = append(ret.RejectedTasks, sibling.TaskID)
	}
	if err := s.history.DeleteHistoricTask(ctx, taskID); err != nil {
		return ret, errors.WithMessagef(err, "DeleteHistoricTask failed, taskID: %s", taskID)
	}
	ret.DeletedHistory = true
	slog.InfoContext(ctx, "reject task", "taskID", taskID, "targetNodeID", ret.TargetNodeID, "rejectedTasks", ret.RejectedTasks)
	return ret, nil
}

// lastFinishedTask 最近结束的历史任务, 跳过当前节点上的任务
func lastFinishedTask(tasks []*HistoricTaskRecord, currentNodeID string) *HistoricTaskRecord {
	var ret *HistoricTaskRecord
	for _, task := range tasks {
		if task == nil || task.EndTime == nil || task.TaskDefinitionKey == currentNodeID {
			continue
		}
		if ret == nil || task.EndTime.After(*ret.EndTime) {
			ret = task
		}
	}
	return ret
}
