package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// TaskRef 运行中的任务, 以及它当前所在的节点
type TaskRef struct {
	TaskID              string
	ProcessInstanceID   string
	ProcessDefinitionID string
	CurrentNodeID       string // 任务定义key, 也就是节点id
	Name                string
	Assignee            string
	CreatedAt           time.Time
}

// HistoricTaskRecord 历史任务
type HistoricTaskRecord struct {
	TaskID            string
	ProcessInstanceID string
	TaskDefinitionKey string
	StartTime         time.Time
	EndTime           *time.Time
	DeleteReason      string
}

// HistoricProcessInstance 历史流程实例
type HistoricProcessInstance struct {
	ID                  string
	ProcessDefinitionID string
	BusinessKey         string
	Status              ProcessInstanceStatus
	DeleteReason        string
	StartTime           time.Time
	EndTime             *time.Time
}

type ProcessDefinitionStore interface {
	// LoadGraph 同一个流程定义返回同一个图实例, 转向修改的就是这个共享实例
	LoadGraph(ctx context.Context, processDefinitionID string) (*ProcessGraph, error)
	FindNode(graph *ProcessGraph, activityID string) (*ProcessNode, error)
}

type TaskStore interface {
	ResolveTask(ctx context.Context, taskID string) (*TaskRef, error)
	// ListActiveTasks 同一个流程实例下停留在同一个节点上的任务(并行会签)
	ListActiveTasks(ctx context.Context, processInstanceID string, taskDefinitionKey string) ([]*TaskRef, error)
}

type HistoryStore interface {
	// ListHistoricActivities 顺序不保证
	ListHistoricActivities(ctx context.Context, processInstanceID string) ([]*HistoricActivityRecord, error)
	ListHistoricTasks(ctx context.Context, processInstanceID string) ([]*HistoricTaskRecord, error)
	FindHistoricProcessInstance(ctx context.Context, processInstanceID string) (*HistoricProcessInstance, error)
	DeleteHistoricTask(ctx context.Context, taskID string) error
}

// CompletionEngine 外部执行引擎, 推进引擎自己的状态
// 完成调用期间读取的是图上当前的出线, 转向时会看到临时连线
type CompletionEngine interface {
	Complete(ctx context.Context, taskID string, variables map[string]any) error
}

// findNode 默认的节点查询, 给 ProcessDefinitionStore 的实现复用
func findNode(graph *ProcessGraph, activityID string) (*ProcessNode, error) {
	if graph == nil {
		return nil, errors.WithMessage(ErrProcessDefinitionNotFound, "graph is nil")
	}
	node, ok := graph.Node(activityID)
	if !ok {
		return nil, errors.WithMessagef(ErrNodeNotFound, "graphID: %s, activityID: %s", graph.ID, activityID)
	}
	return node, nil
}

// ProcessRepo gorm 持久化, 同时给路由(TaskStore/HistoryStore/ProcessDefinitionStore)和参考完成引擎使用
type ProcessRepo interface {
	ProcessDefinitionStore
	TaskStore
	HistoryStore

	// DeployProcessDefinition 部署流程定义, 同一个ID只能部署一次
	DeployProcessDefinition(ctx context.Context, config *ProcessConfig) (*ProcessGraph, error)
	// LatestProcessDefinitionID 同一个key下版本号最大的流程定义
	LatestProcessDefinitionID(ctx context.Context, processDefinitionKey string) (string, error)
	// SuspendOrActivateProcessDefinition 挂起或者激活流程定义, 返回切换之后是否挂起
	SuspendOrActivateProcessDefinition(ctx context.Context, processDefinitionID string) (bool, error)
	QueryTasks(ctx context.Context, param *QueryTaskParams) ([]*TaskRef, error)
	// DeleteProcessInstance 删除运行中的流程实例, 运行中的任务一起删除, 历史保留并记录删除原因
	DeleteProcessInstance(ctx context.Context, processInstanceID string, deleteReason string) error
	// ListHistoricProcessInstances 流程定义key下所有版本的流程实例(包括已经结束的), 按开始时间排序
	ListHistoricProcessInstances(ctx context.Context, processDefinitionKey string) ([]*HistoricProcessInstance, error)

	CreateProcessInstance(ctx context.Context, po *ProcessInstancePo) (*ProcessInstancePo, error)
	FindProcessInstance(ctx context.Context, processInstanceID string) (*ProcessInstancePo, error)
	UpdateProcessInstance(ctx context.Context, param *UpdateProcessInstanceParams) error
	CreateTask(ctx context.Context, po *TaskPo) (*TaskPo, error)
	DeleteTask(ctx context.Context, taskID string) error
	CountActiveTasks(ctx context.Context, processInstanceID string) (int64, error)
	CreateHistoricActivity(ctx context.Context, po *HistoricActivityPo) (*HistoricActivityPo, error)
	FinishHistoricTaskActivity(ctx context.Context, taskID string, endTime int64) error
	CreateHistoricTask(ctx context.Context, po *HistoricTaskPo) (*HistoricTaskPo, error)
	FinishHistoricTask(ctx context.Context, taskID string, endTime int64, deleteReason string) error

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
