package workflow

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrParamInvalid               = errors.New("param invalid")
	ErrInvalidProcessConfig       = errors.New("invalid process config")
	ErrProcessDefinitionNotFound  = errors.New("process definition not found")
	ErrProcessDefinitionSuspended = errors.New("process definition suspended")
	ErrProcessInstanceNotFound    = errors.New("process instance not found")
	ErrNodeNotFound               = errors.New("node not found")
	ErrTargetNodeNotFound         = errors.New("target node not found")
	ErrTaskNotFound               = errors.New("task not found")
	ErrNoRejectTarget             = errors.New("no reject target")
	ErrHistoryQueryFailed         = errors.New("history query failed")
	ErrCompletionTimeout          = errors.New("completion timeout")
	ErrProcessInstanceEnded       = errors.New("process instance ended")
	ErrNoOutgoingTransition       = errors.New("no outgoing transition matched")
	// ErrTransientTransitionPresent 节点上还有没还原的临时连线, 说明节点锁在转向结束之前就过期了
	ErrTransientTransitionPresent = errors.New("transient transition present")

	// ErrRerouteFailed 转向执行失败, 一定是在拓扑还原之后才返回
	// 具体的错误通过 RerouteError.Unwrap 获取
	ErrRerouteFailed = errors.New("reroute failed")
)

// NodeKind 节点类型, 取值和 BPMN 元素名称保持一致, 方便和历史记录里面的 activityType 对照
type NodeKind = string

const (
	NodeKindTask             NodeKind = "userTask"
	NodeKindExclusiveGateway NodeKind = "exclusiveGateway"
	NodeKindParallelGateway  NodeKind = "parallelGateway"
	NodeKindInclusiveGateway NodeKind = "inclusiveGateway"
	NodeKindStartEvent       NodeKind = "startEvent"
	NodeKindEndEvent         NodeKind = "endEvent"
)

func IsValidNodeKind(kind NodeKind) bool {
	switch kind {
	case NodeKindTask, NodeKindExclusiveGateway, NodeKindParallelGateway,
		NodeKindInclusiveGateway, NodeKindStartEvent, NodeKindEndEvent:
		return true
	}
	return false
}

// IsFanOutKind 并行网关和兼容网关可以同时激活多条分支
func IsFanOutKind(kind NodeKind) bool {
	return kind == NodeKindParallelGateway || kind == NodeKindInclusiveGateway
}

type ProcessInstanceStatus = string

const (
	ProcessInstanceStatusRunning ProcessInstanceStatus = "running"
	// 完成, 终止状态, 所有的执行路径都到达了结束事件
	ProcessInstanceStatusCompleted ProcessInstanceStatus = "completed"
	// 删除, 终止状态, 运行中的任务被删除, 原因记录在 DeleteReason
	ProcessInstanceStatusDeleted ProcessInstanceStatus = "deleted"
)

// RouteState 一次路由调用的状态机
// Idle -> GraphEdited -> Completing -> Restored -> {Done | Failed}
// Restored 在 Completing 之后的所有出口上都会经过, 不是只有成功才有的状态
type RouteState = string

const (
	RouteStateIdle        RouteState = "idle"
	RouteStateGraphEdited RouteState = "graph_edited"
	RouteStateCompleting  RouteState = "completing"
	RouteStateRestored    RouteState = "restored"
	RouteStateDone        RouteState = "done"
	RouteStateFailed      RouteState = "failed"
)

// DeleteReasonCompleted 历史任务正常完成时的删除原因
const DeleteReasonCompleted = "completed"

// RerouteError 包装转向过程中完成引擎返回的错误
type RerouteError struct {
	TaskID       string
	NodeID       string
	TargetNodeID string
	Err          error
}

func (e *RerouteError) Error() string {
	return "reroute failed, taskID: " + e.TaskID + ", nodeID: " + e.NodeID +
		", targetNodeID: " + e.TargetNodeID + ", err: " + e.Err.Error()
}

func (e *RerouteError) Unwrap() error {
	return e.Err
}

func (e *RerouteError) Is(target error) bool {
	return target == ErrRerouteFailed
}

// IsSeriousError 用于判断是否是严重错误，严重错误打error级别日志，否则打warn级别日志
// 严重错误定义：调用方传入的数据或者配置有问题，重试也不会成功，需要人工介入处理
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrInvalidProcessConfig) ||
		errors.Is(causeErr, ErrProcessDefinitionNotFound) ||
		errors.Is(causeErr, ErrNodeNotFound) ||
		errors.Is(causeErr, ErrTargetNodeNotFound) ||
		errors.Is(causeErr, ErrHistoryQueryFailed) ||
		errors.Is(causeErr, ErrTransientTransitionPresent) ||
		errors.Is(err, ErrRerouteFailed) {
		return true
	}
	return false
}

// IsTimeoutError 完成引擎超时或者等待锁超时
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrCompletionTimeout) ||
		errors.Is(err, LockFailedTimeOutError) ||
		errors.Is(err, context.DeadlineExceeded)
}
