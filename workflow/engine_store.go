package workflow

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// 没有用户任务的环路一直走下去会死循环, 单次推进最多经过这么多节点
const maxAdvanceSteps = 1000

// StartProcessRequest 启动流程
type StartProcessRequest struct {
	ProcessDefinitionID  string         `json:"process_definition_id" validate:"required_without=ProcessDefinitionKey"`
	ProcessDefinitionKey string         `json:"process_definition_key" validate:"required_without=ProcessDefinitionID"` // 只传key时启动最新版本
	BusinessKey          string         `json:"business_key"`
	Variables            map[string]any `json:"variables"`
}

type StartProcessResult struct {
	ProcessInstanceID   string
	ProcessDefinitionID string
	Tasks               []*TaskRef // 启动之后停留的任务
	Ended               bool
}

// StoreCompletionEngine 基于 ProcessRepo 的参考完成引擎
//
// 推进时读取的是图上当前的出线, 所以转向期间临时连线会被跟随.
// 一次 StartProcess / Complete 在一个事务里面完成, 出错整体回滚
type StoreCompletionEngine struct {
	repo ProcessRepo

	clockMu  sync.Mutex
	lastTick int64
}

func NewStoreCompletionEngine(repo ProcessRepo) *StoreCompletionEngine {
	return &StoreCompletionEngine{repo: repo}
}

// tick 严格递增的时间戳, 历史记录的先后顺序依赖它
func (e *StoreCompletionEngine) tick() int64 {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	now := time.Now().UnixNano()
	if now <= e.lastTick {
		now = e.lastTick + 1
	}
	e.lastTick = now
	return now
}

// advanceState 一次推进过程中的状态
type advanceState struct {
	instance  *ProcessInstancePo
	graph     *ProcessGraph
	variables *ProcessVariables
	tasks     []*TaskRef
	steps     int
}

func (e *StoreCompletionEngine) StartProcess(ctx context.Context, req *StartProcessRequest) (*StartProcessResult, error) {
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.Wrapf(ErrParamInvalid, "StartProcess failed, req: %v, err: %v", req, err)
	}
	processDefinitionID := req.ProcessDefinitionID
	if processDefinitionID == "" {
		id, err := e.repo.LatestProcessDefinitionID(ctx, req.ProcessDefinitionKey)
		if err != nil {
			return nil, errors.WithMessagef(err, "LatestProcessDefinitionID failed, key: %s", req.ProcessDefinitionKey)
		}
		processDefinitionID = id
	}
	graph, err := e.repo.LoadGraph(ctx, processDefinitionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadGraph failed, processDefinitionID: %s", processDefinitionID)
	}
	if graph.Suspended() {
		return nil, errors.WithMessagef(ErrProcessDefinitionSuspended, "StartProcess failed, processDefinitionID: %s", processDefinitionID)
	}

	ret := &StartProcessResult{ProcessDefinitionID: processDefinitionID}
	err = e.repo.Transaction(ctx, func(ctx context.Context) error {
		variables := NewProcessVariablesFromMap(nil)
		variables.Merge(req.Variables)
		data, err := variables.ToBytes()
		if err != nil {
			return errors.WithMessage(err, "marshal variables failed")
		}
		instance, err := e.repo.CreateProcessInstance(ctx, &ProcessInstancePo{
			ID:                  uuid.NewString(),
			ProcessDefinitionID: processDefinitionID,
			BusinessKey:         req.BusinessKey,
			Status:              ProcessInstanceStatusRunning,
			Variables:           data,
			StartTime:           e.tick(),
		})
		if err != nil {
			return errors.WithMessage(err, "CreateProcessInstance failed")
		}
		state := &advanceState{instance: instance, graph: graph, variables: variables}
		for _, start := range graph.StartNodes() {
			if err := e.enter(ctx, state, start); err != nil {
				return errors.WithMessagef(err, "enter start node failed, nodeID: %s", start.ID)
			}
		}
		ended, err := e.finish(ctx, state)
		if err != nil {
			return err
		}
		ret.ProcessInstanceID = instance.ID
		ret.Tasks = state.tasks
		ret.Ended = ended
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "StartProcess failed, processDefinitionID: %s", processDefinitionID)
	}
	slog.InfoContext(ctx, "start process", "processInstanceID", ret.ProcessInstanceID, "processDefinitionID", processDefinitionID, "tasks", len(ret.Tasks))
	return ret, nil
}

/*
*
  - @description: 完成任务并推进流程
    任务节点离开时走所有条件满足的出线, 没有任何出线满足返回 ErrNoOutgoingTransition
  - @param ctx context.Context 超时或者取消时在下一个节点之前中止并回滚
  - @param taskID string
  - @param variables map[string]any 合并到流程变量
  - @return error
*/
func (e *StoreCompletionEngine) Complete(ctx context.Context, taskID string, variables map[string]any) error {
	return e.repo.Transaction(ctx, func(ctx context.Context) error {
		task, err := e.repo.ResolveTask(ctx, taskID)
		if err != nil {
			return errors.WithMessage(err, "Complete failed")
		}
		instance, err := e.repo.FindProcessInstance(ctx, task.ProcessInstanceID)
		if err != nil {
			return errors.WithMessage(err, "Complete failed")
		}
		if instance.Status != ProcessInstanceStatusRunning {
			return errors.WithMessagef(ErrProcessInstanceEnded, "processInstanceID: %s, status: %s", instance.ID, instance.Status)
		}
		graph, err := e.repo.LoadGraph(ctx, instance.ProcessDefinitionID)
		if err != nil {
			return errors.WithMessage(err, "Complete failed")
		}
		if graph.Suspended() {
			return errors.WithMessagef(ErrProcessDefinitionSuspended, "processDefinitionID: %s", graph.ID)
		}
		node, err := e.repo.FindNode(graph, task.CurrentNodeID)
		if err != nil {
			return errors.WithMessage(err, "Complete failed")
		}
		processVariables, err := NewProcessVariables(instance.Variables)
		if err != nil {
			return errors.WithMessagef(err, "processInstanceID: %s", instance.ID)
		}
		processVariables.Merge(variables)

		now := e.tick()
		if err := e.repo.DeleteTask(ctx, taskID); err != nil {
			return err
		}
		if err := e.repo.FinishHistoricTask(ctx, taskID, now, DeleteReasonCompleted); err != nil {
			return err
		}
		if err := e.repo.FinishHistoricTaskActivity(ctx, taskID, now); err != nil {
			return err
		}

		state := &advanceState{instance: instance, graph: graph, variables: processVariables}
		outs := matchedTransitions(graph.Outgoing(node.ID), processVariables)
		if len(outs) == 0 {
			return errors.WithMessagef(ErrNoOutgoingTransition, "taskID: %s, nodeID: %s", taskID, node.ID)
		}
		if err := e.leave(ctx, state, outs); err != nil {
			return err
		}
		if _, err := e.finish(ctx, state); err != nil {
			return err
		}
		slog.DebugContext(ctx, "complete task", "taskID", taskID, "nodeID", node.ID, "newTasks", len(state.tasks))
		return nil
	})
}

func (e *StoreCompletionEngine) leave(ctx context.Context, state *advanceState, transitions []Transition) error {
	for _, t := range transitions {
		target, ok := state.graph.Node(t.TargetID)
		if !ok {
			return errors.WithMessagef(ErrNodeNotFound, "transitionID: %s, targetID: %s", t.ID, t.TargetID)
		}
		if err := e.enter(ctx, state, target); err != nil {
			return err
		}
	}
	return nil
}

func (e *StoreCompletionEngine) enter(ctx context.Context, state *advanceState, node *ProcessNode) error {
	if err := ctx.Err(); err != nil {
		return errors.WithMessagef(err, "advance aborted, nodeID: %s", node.ID)
	}
	state.steps++
	if state.steps > maxAdvanceSteps {
		return errors.WithMessagef(ErrInvalidProcessConfig, "too many steps without a user task, processInstanceID: %s, nodeID: %s", state.instance.ID, node.ID)
	}
	graph := state.graph
	switch node.Kind {
	case NodeKindTask:
		return e.createTask(ctx, state, node)
	case NodeKindStartEvent:
		if err := e.recordActivity(ctx, state, node); err != nil {
			return err
		}
		return e.leave(ctx, state, graph.Outgoing(node.ID))
	case NodeKindEndEvent:
		return e.recordActivity(ctx, state, node)
	case NodeKindExclusiveGateway:
		if err := e.recordActivity(ctx, state, node); err != nil {
			return err
		}
		chosen, ok := chooseExclusive(graph.Outgoing(node.ID), state.variables)
		if !ok {
			return errors.WithMessagef(ErrNoOutgoingTransition, "exclusive gateway, nodeID: %s", node.ID)
		}
		return e.leave(ctx, state, []Transition{chosen})
	case NodeKindParallelGateway:
		if err := e.recordActivity(ctx, state, node); err != nil {
			return err
		}
		incoming := int64(graph.IncomingCount(node.ID))
		if incoming > 1 {
			arrivals := state.variables.joinArrivals(node.ID) + 1
			if arrivals < incoming {
				state.variables.setJoinArrivals(node.ID, arrivals)
				return nil
			}
			state.variables.setJoinArrivals(node.ID, 0)
		}
		return e.leave(ctx, state, graph.Outgoing(node.ID))
	case NodeKindInclusiveGateway:
		if err := e.recordActivity(ctx, state, node); err != nil {
			return err
		}
		if graph.IncomingCount(node.ID) > 1 {
			// 其他分支上还有任务时等待, 最后一个到达的分支负责继续往下走
			active, err := e.repo.CountActiveTasks(ctx, state.instance.ID)
			if err != nil {
				return err
			}
			if active > 0 {
				return nil
			}
		}
		outs := matchedTransitions(graph.Outgoing(node.ID), state.variables)
		if len(outs) == 0 {
			return errors.WithMessagef(ErrNoOutgoingTransition, "inclusive gateway, nodeID: %s", node.ID)
		}
		return e.leave(ctx, state, outs)
	}
	return errors.WithMessagef(ErrInvalidProcessConfig, "unknown node kind, nodeID: %s, kind: %s", node.ID, node.Kind)
}

func (e *StoreCompletionEngine) createTask(ctx context.Context, state *advanceState, node *ProcessNode) error {
	now := e.tick()
	task := &TaskPo{
		ID:                  uuid.NewString(),
		ProcessInstanceID:   state.instance.ID,
		ProcessDefinitionID: state.instance.ProcessDefinitionID,
		TaskDefinitionKey:   node.ID,
		Name:                node.Name,
		Assignee:            resolveAssignee(node.Assignee, state.variables),
		CreatedAt:           now,
	}
	if _, err := e.repo.CreateTask(ctx, task); err != nil {
		return err
	}
	_, err := e.repo.CreateHistoricTask(ctx, &HistoricTaskPo{
		ID:                task.ID,
		ProcessInstanceID: task.ProcessInstanceID,
		TaskDefinitionKey: task.TaskDefinitionKey,
		Name:              task.Name,
		Assignee:          task.Assignee,
		StartTime:         now,
	})
	if err != nil {
		return err
	}
	_, err = e.repo.CreateHistoricActivity(ctx, &HistoricActivityPo{
		ProcessInstanceID: task.ProcessInstanceID,
		ActivityID:        node.ID,
		ActivityType:      node.Kind,
		TaskID:            task.ID,
		StartTime:         now,
	})
	if err != nil {
		return err
	}
	state.tasks = append(state.tasks, taskPoToRef(task))
	return nil
}

// recordActivity 非任务节点进入即离开
func (e *StoreCompletionEngine) recordActivity(ctx context.Context, state *advanceState, node *ProcessNode) error {
	now := e.tick()
	_, err := e.repo.CreateHistoricActivity(ctx, &HistoricActivityPo{
		ProcessInstanceID: state.instance.ID,
		ActivityID:        node.ID,
		ActivityType:      node.Kind,
		StartTime:         now,
		EndTime:           &now,
	})
	return err
}

// finish 保存变量, 没有活动任务时结束流程实例
func (e *StoreCompletionEngine) finish(ctx context.Context, state *advanceState) (bool, error) {
	fields := &UpdateProcessInstanceField{Variables: state.variables}
	active, err := e.repo.CountActiveTasks(ctx, state.instance.ID)
	if err != nil {
		return false, err
	}
	ended := active == 0
	if ended {
		status := ProcessInstanceStatusCompleted
		endTime := e.tick()
		fields.Status = &status
		fields.EndTime = &endTime
	}
	err = e.repo.UpdateProcessInstance(ctx, &UpdateProcessInstanceParams{
		Where:  &UpdateProcessInstanceWhere{IDIn: []string{state.instance.ID}},
		Fields: fields,
	})
	if err != nil {
		return false, err
	}
	return ended, nil
}

func matchedTransitions(transitions []Transition, variables *ProcessVariables) []Transition {
	ret := make([]Transition, 0, len(transitions))
	for _, t := range transitions {
		if variables.Matches(t.Conditions) {
			ret = append(ret, t)
		}
	}
	return ret
}

// chooseExclusive 声明顺序里第一条条件满足的出线, 都不满足时取第一条没有条件的出线
func chooseExclusive(transitions []Transition, variables *ProcessVariables) (Transition, bool) {
	for _, t := range transitions {
		if len(t.Conditions) > 0 && variables.Matches(t.Conditions) {
			return t, true
		}
	}
	for _, t := range transitions {
		if len(t.Conditions) == 0 {
			return t, true
		}
	}
	return Transition{}, false
}

func resolveAssignee(expression string, variables *ProcessVariables) string {
	expression = strings.TrimSpace(expression)
	if strings.HasPrefix(expression, "${") && strings.HasSuffix(expression, "}") {
		name := strings.TrimSpace(expression[2 : len(expression)-1])
		val, ok := variables.Get(name)
		if !ok || val == nil {
			return ""
		}
		return formatVariable(val)
	}
	return expression
}
