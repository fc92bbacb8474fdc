package workflow

import "context"

type TaskRouter interface {
	/**
	 * @description: 路由一个任务, 只有这一个入口决定是正常完成还是转向完成
	 *				 req.TargetNodeID 为空: 直接调用完成引擎
	 *				 req.TargetNodeID 不为空: 清空当前节点出线 -> 加一条指向目标节点的临时出线 -> 完成 -> 还原出线
	 *				 还原在所有出口都会执行, 包括完成失败、超时、panic
	 *				 同一个节点上的路由串行执行, 不同节点之间互不影响
	 * @param ctx context.Context
	 * @param req *RouteRequest
	 * @return *RouteResult 任务解析成功之后一定不为nil, 出错时也会返回, 可以查看状态机经过的状态
	 * @return error 转向时完成失败返回 *RerouteError, errors.Is(err, ErrRerouteFailed) 为 true
	 */
	Route(ctx context.Context, req *RouteRequest) (*RouteResult, error)

	/**
	 * @description: 驳回到上一步
	 *				 目标节点: 同一个流程实例里面最近结束的、不在当前节点上的历史任务
	 *				 当前节点上所有的并行任务一起驳回, 最后删除当前任务的历史任务, 流程图高亮以历史任务为准
	 * @param ctx context.Context
	 * @param taskID string
	 * @return *RejectResult, error
	 */
	Reject(ctx context.Context, taskID string) (*RejectResult, error)
}

// RouteRequest 路由请求
type RouteRequest struct {
	TaskID       string         `json:"task_id" validate:"required"`
	TargetNodeID string         `json:"target_node_id"` // 为空表示正常完成
	Variables    map[string]any `json:"variables"`
}

// RouteResult 路由结果
type RouteResult struct {
	OK                    bool
	TaskID                string
	ProcessInstanceID     string
	NodeID                string
	TargetNodeID          string
	Rerouted              bool
	TransientTransitionID string
	States                []RouteState
	Err                   error
}

// RejectResult 驳回结果
type RejectResult struct {
	TaskID         string
	TargetNodeID   string
	RejectedTasks  []string
	DeletedHistory bool
}
