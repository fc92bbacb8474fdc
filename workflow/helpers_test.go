package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestRepo 内存数据库, 只有一个连接, 否则每个连接都是一个新的空库
func setupTestRepo(t *testing.T) ProcessRepo {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = db.AutoMigrate(AllProcessPos()...)
	require.NoError(t, err)
	return NewProcessRepo(db)
}

// leaveConfig 请假流程
//
//	start -> apply -> leaderAudit -> auditGateway -(approve)-> hrAudit -> end
//	                                              -(reject)--> apply
func leaveConfig() *ProcessConfig {
	return &ProcessConfig{
		ID:      "askforleave:1",
		Key:     "askforleave",
		Name:    "请假流程",
		Version: 1,
		Nodes: []*NodeConfig{
			{ID: "start", Name: "开始", Kind: NodeKindStartEvent},
			{ID: "apply", Name: "提交申请", Kind: NodeKindTask, Assignee: "${applicant}"},
			{ID: "leaderAudit", Name: "领导审批", Kind: NodeKindTask, Assignee: "leader"},
			{ID: "auditGateway", Name: "审批结果", Kind: NodeKindExclusiveGateway},
			{ID: "hrAudit", Name: "人事审批", Kind: NodeKindTask, Assignee: "hr"},
			{ID: "end", Name: "结束", Kind: NodeKindEndEvent},
		},
		Transitions: []*TransitionConfig{
			{ID: "flow_start_apply", Source: "start", Target: "apply"},
			{ID: "flow_apply_leader", Source: "apply", Target: "leaderAudit"},
			{ID: "flow_leader_gateway", Source: "leaderAudit", Target: "auditGateway"},
			{ID: "flow_gateway_hr", Source: "auditGateway", Target: "hrAudit", Conditions: map[string]string{"outcome": "approve"}},
			{ID: "flow_gateway_apply", Source: "auditGateway", Target: "apply", Conditions: map[string]string{"outcome": "reject"}},
			{ID: "flow_hr_end", Source: "hrAudit", Target: "end"},
		},
	}
}

// countersignConfig 会签流程
//
//	start -> fork -> legal   -> join -> manager -> end
//	              -> finance ->
func countersignConfig() *ProcessConfig {
	return &ProcessConfig{
		ID:      "countersign:1",
		Key:     "countersign",
		Name:    "会签",
		Version: 1,
		Nodes: []*NodeConfig{
			{ID: "start", Kind: NodeKindStartEvent},
			{ID: "fork", Kind: NodeKindParallelGateway},
			{ID: "legal", Name: "法务", Kind: NodeKindTask},
			{ID: "finance", Name: "财务", Kind: NodeKindTask},
			{ID: "join", Kind: NodeKindParallelGateway},
			{ID: "manager", Name: "经理", Kind: NodeKindTask},
			{ID: "end", Kind: NodeKindEndEvent},
		},
		Transitions: []*TransitionConfig{
			{ID: "flow_start_fork", Source: "start", Target: "fork"},
			{ID: "flow_fork_legal", Source: "fork", Target: "legal"},
			{ID: "flow_fork_finance", Source: "fork", Target: "finance"},
			{ID: "flow_legal_join", Source: "legal", Target: "join"},
			{ID: "flow_finance_join", Source: "finance", Target: "join"},
			{ID: "flow_join_manager", Source: "join", Target: "manager"},
			{ID: "flow_manager_end", Source: "manager", Target: "end"},
		},
	}
}

func mustBuildGraph(t *testing.T, config *ProcessConfig) *ProcessGraph {
	graph, err := BuildProcessGraph(config)
	require.NoError(t, err)
	return graph
}

func ts(offset int) time.Time {
	return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Minute)
}

func tsPtr(offset int) *time.Time {
	t := ts(offset)
	return &t
}

// memoryStore 路由测试使用的内存存储, 一个图, 任务和历史都在内存里面
type memoryStore struct {
	mu              sync.Mutex
	graph           *ProcessGraph
	tasks           map[string]*TaskRef
	historicTasks   []*HistoricTaskRecord
	activities      []*HistoricActivityRecord
	deletedHistory  []string
	historyQueryErr error
}

func newMemoryStore(graph *ProcessGraph) *memoryStore {
	return &memoryStore{graph: graph, tasks: make(map[string]*TaskRef)}
}

func (s *memoryStore) addTask(taskID string, instanceID string, nodeID string) *TaskRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := &TaskRef{
		TaskID:              taskID,
		ProcessInstanceID:   instanceID,
		ProcessDefinitionID: s.graph.ID,
		CurrentNodeID:       nodeID,
		CreatedAt:           time.Now(),
	}
	s.tasks[taskID] = task
	return task
}

func (s *memoryStore) LoadGraph(ctx context.Context, processDefinitionID string) (*ProcessGraph, error) {
	if processDefinitionID != s.graph.ID {
		return nil, errors.WithMessagef(ErrProcessDefinitionNotFound, "id: %s", processDefinitionID)
	}
	return s.graph, nil
}

func (s *memoryStore) FindNode(graph *ProcessGraph, activityID string) (*ProcessNode, error) {
	return findNode(graph, activityID)
}

func (s *memoryStore) ResolveTask(ctx context.Context, taskID string) (*TaskRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, errors.WithMessagef(ErrTaskNotFound, "taskID: %s", taskID)
	}
	return task, nil
}

func (s *memoryStore) ListActiveTasks(ctx context.Context, processInstanceID string, taskDefinitionKey string) ([]*TaskRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*TaskRef, 0)
	for _, task := range s.tasks {
		if task.ProcessInstanceID == processInstanceID && task.CurrentNodeID == taskDefinitionKey {
			ret = append(ret, task)
		}
	}
	return ret, nil
}

func (s *memoryStore) ListHistoricActivities(ctx context.Context, processInstanceID string) ([]*HistoricActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyQueryErr != nil {
		return nil, s.historyQueryErr
	}
	return s.activities, nil
}

func (s *memoryStore) ListHistoricTasks(ctx context.Context, processInstanceID string) ([]*HistoricTaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyQueryErr != nil {
		return nil, s.historyQueryErr
	}
	return s.historicTasks, nil
}

func (s *memoryStore) FindHistoricProcessInstance(ctx context.Context, processInstanceID string) (*HistoricProcessInstance, error) {
	return &HistoricProcessInstance{ID: processInstanceID, ProcessDefinitionID: s.graph.ID, Status: ProcessInstanceStatusRunning}, nil
}

func (s *memoryStore) DeleteHistoricTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedHistory = append(s.deletedHistory, taskID)
	return nil
}

// fakeEngine 记录每次完成调用时节点的出线
type fakeEngine struct {
	mu       sync.Mutex
	store    *memoryStore
	complete func(ctx context.Context, taskID string) error
	seen     map[string][]Transition // taskID -> 完成时看到的出线
}

func newFakeEngine(store *memoryStore) *fakeEngine {
	return &fakeEngine{store: store, seen: make(map[string][]Transition)}
}

func (e *fakeEngine) Complete(ctx context.Context, taskID string, variables map[string]any) error {
	task, err := e.store.ResolveTask(ctx, taskID)
	if err != nil {
		return err
	}
	outs := e.store.graph.Outgoing(task.CurrentNodeID)
	e.mu.Lock()
	e.seen[taskID] = outs
	e.mu.Unlock()
	if e.complete != nil {
		return e.complete(ctx, taskID)
	}
	return nil
}

func (e *fakeEngine) seenBy(taskID string) []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seen[taskID]
}

// topologySnapshot 每个节点的出线id集合, 用于比较拓扑
func topologySnapshot(graph *ProcessGraph) map[string][]string {
	ret := make(map[string][]string)
	for _, node := range graph.Nodes() {
		ret[node.ID] = SortedTransitionIDs(graph.Outgoing(node.ID))
	}
	return ret
}
