package workflow

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRepo_Deploy(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	t.Run("部署并加载", func(t *testing.T) {
		graph, err := repo.DeployProcessDefinition(ctx, leaveConfig())
		require.NoError(t, err)

		loaded, err := repo.LoadGraph(ctx, "askforleave:1")
		require.NoError(t, err)
		assert.Same(t, graph, loaded, "同一个流程定义只能有一个图实例")

		node, err := repo.FindNode(loaded, "leaderAudit")
		require.NoError(t, err)
		assert.Equal(t, "leader", node.Assignee)
		_, err = repo.FindNode(loaded, "missing")
		assert.True(t, errors.Is(err, ErrNodeNotFound))
	})

	t.Run("重复部署", func(t *testing.T) {
		_, err := repo.DeployProcessDefinition(ctx, leaveConfig())
		assert.True(t, errors.Is(err, ErrInvalidProcessConfig))
	})

	t.Run("配置错误不会写库", func(t *testing.T) {
		config := countersignConfig()
		config.Transitions[0].Target = "missing"
		_, err := repo.DeployProcessDefinition(ctx, config)
		assert.True(t, errors.Is(err, ErrInvalidProcessConfig))
		_, err = repo.LoadGraph(ctx, "countersign:1")
		assert.True(t, errors.Is(err, ErrProcessDefinitionNotFound))
	})

	t.Run("最新版本", func(t *testing.T) {
		config := leaveConfig()
		config.ID = ProcessDefinitionID(config.Key, 2)
		config.Version = 2
		_, err := repo.DeployProcessDefinition(ctx, config)
		require.NoError(t, err)

		id, err := repo.LatestProcessDefinitionID(ctx, "askforleave")
		require.NoError(t, err)
		assert.Equal(t, "askforleave:2", id)

		_, err = repo.LatestProcessDefinitionID(ctx, "missing")
		assert.True(t, errors.Is(err, ErrProcessDefinitionNotFound))
	})
}

func TestProcessRepo_LoadGraphFromDatabase(t *testing.T) {
	ctx := context.Background()
	db := setupTestRepo(t).(*processRepo).db
	writer := NewProcessRepo(db)
	_, err := writer.DeployProcessDefinition(ctx, leaveConfig())
	require.NoError(t, err)
	_, err = writer.SuspendOrActivateProcessDefinition(ctx, "askforleave:1")
	require.NoError(t, err)

	// 另外一个进程, 缓存里面没有, 需要从数据库构建
	reader := NewProcessRepo(db)
	graph, err := reader.LoadGraph(ctx, "askforleave:1")
	require.NoError(t, err)
	assert.Equal(t, topologySnapshot(mustBuildGraph(t, leaveConfig())), topologySnapshot(graph))
	assert.True(t, graph.Suspended())

	again, err := reader.LoadGraph(ctx, "askforleave:1")
	require.NoError(t, err)
	assert.Same(t, graph, again)
}

func TestProcessRepo_SuspendOrActivate(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	graph, err := repo.DeployProcessDefinition(ctx, leaveConfig())
	require.NoError(t, err)

	suspended, err := repo.SuspendOrActivateProcessDefinition(ctx, "askforleave:1")
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.True(t, graph.Suspended())

	suspended, err = repo.SuspendOrActivateProcessDefinition(ctx, "askforleave:1")
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.False(t, graph.Suspended())

	_, err = repo.SuspendOrActivateProcessDefinition(ctx, "missing:1")
	assert.True(t, errors.Is(err, ErrProcessDefinitionNotFound))
}

func TestProcessRepo_QueryTasks(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	engine := NewStoreCompletionEngine(repo)
	_, err := repo.DeployProcessDefinition(ctx, leaveConfig())
	require.NoError(t, err)
	_, err = repo.DeployProcessDefinition(ctx, countersignConfig())
	require.NoError(t, err)

	for _, applicant := range []string{"zhangsan", "lisi"} {
		_, err := engine.StartProcess(ctx, &StartProcessRequest{
			ProcessDefinitionKey: "askforleave",
			Variables:            map[string]any{"applicant": applicant},
		})
		require.NoError(t, err)
	}
	_, err = engine.StartProcess(ctx, &StartProcessRequest{ProcessDefinitionKey: "countersign"})
	require.NoError(t, err)

	noLimit := true
	t.Run("按流程key", func(t *testing.T) {
		key := "askforleave"
		tasks, err := repo.QueryTasks(ctx, &QueryTaskParams{ProcessDefinitionKey: &key, Page: &Pager{IsNoLimit: &noLimit}})
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
		key = "countersign"
		tasks, err = repo.QueryTasks(ctx, &QueryTaskParams{ProcessDefinitionKey: &key, Page: &Pager{IsNoLimit: &noLimit}})
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("按处理人", func(t *testing.T) {
		assignee := "lisi"
		tasks, err := repo.QueryTasks(ctx, &QueryTaskParams{Assignee: &assignee, Page: &Pager{}})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "apply", tasks[0].CurrentNodeID)
	})

	t.Run("分页", func(t *testing.T) {
		tasks, err := repo.QueryTasks(ctx, &QueryTaskParams{Page: &Pager{Page: 2, Size: 3}})
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("缺少分页参数", func(t *testing.T) {
		_, err := repo.QueryTasks(ctx, &QueryTaskParams{})
		assert.Error(t, err)
	})
}

func TestProcessRepo_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	err := repo.Transaction(ctx, func(ctx context.Context) error {
		_, err := repo.CreateProcessInstance(ctx, &ProcessInstancePo{ID: "p1", ProcessDefinitionID: "x:1", Status: ProcessInstanceStatusRunning})
		require.NoError(t, err)
		// 嵌套事务复用外层事务
		err = repo.Transaction(ctx, func(ctx context.Context) error {
			_, err := repo.FindProcessInstance(ctx, "p1")
			return err
		})
		require.NoError(t, err)
		return errEngineBoom
	})
	assert.Equal(t, errEngineBoom, err)

	_, err = repo.FindProcessInstance(ctx, "p1")
	assert.True(t, errors.Is(err, ErrProcessInstanceNotFound))
}

func TestProcessRepo_UpdateProcessInstanceNeedsWhere(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)
	status := ProcessInstanceStatusCompleted
	err := repo.UpdateProcessInstance(ctx, &UpdateProcessInstanceParams{
		Where:  &UpdateProcessInstanceWhere{},
		Fields: &UpdateProcessInstanceField{Status: &status},
	})
	assert.Error(t, err)
	err = repo.UpdateProcessInstance(ctx, &UpdateProcessInstanceParams{})
	assert.True(t, errors.Is(err, ErrParamInvalid))
}

func TestProcessRepo_DeleteProcessInstance(t *testing.T) {
	ctx := context.Background()
	f := setupEngine(t, leaveConfig())
	started, err := f.engine.StartProcess(ctx, &StartProcessRequest{
		ProcessDefinitionKey: "askforleave",
		Variables:            map[string]any{"applicant": "zhangsan"},
	})
	require.NoError(t, err)
	pid := started.ProcessInstanceID
	applyTask := f.activeTasks(t, pid)["apply"]
	require.NotNil(t, applyTask)

	t.Run("删除运行中的实例", func(t *testing.T) {
		err := f.repo.DeleteProcessInstance(ctx, pid, "申请人撤回")
		require.NoError(t, err)
		assert.Empty(t, f.activeTasks(t, pid))

		instance, err := f.repo.FindHistoricProcessInstance(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, ProcessInstanceStatusDeleted, instance.Status)
		assert.Equal(t, "申请人撤回", instance.DeleteReason)
		assert.NotNil(t, instance.EndTime)

		historicTasks, err := f.repo.ListHistoricTasks(ctx, pid)
		require.NoError(t, err)
		require.Len(t, historicTasks, 1)
		assert.Equal(t, "apply", historicTasks[0].TaskDefinitionKey)
		assert.NotNil(t, historicTasks[0].EndTime)
		assert.Equal(t, "申请人撤回", historicTasks[0].DeleteReason)

		activities, err := f.repo.ListHistoricActivities(ctx, pid)
		require.NoError(t, err)
		require.NotEmpty(t, activities)
		for _, activity := range activities {
			assert.NotNil(t, activity.EndTime, "activityID: %s", activity.ActivityID)
		}
	})

	t.Run("删除之后任务不能再完成", func(t *testing.T) {
		err := f.engine.Complete(ctx, applyTask.TaskID, nil)
		assert.True(t, errors.Is(err, ErrTaskNotFound))
	})

	t.Run("重复删除", func(t *testing.T) {
		err := f.repo.DeleteProcessInstance(ctx, pid, "again")
		assert.True(t, errors.Is(err, ErrProcessInstanceEnded))
		instance, err := f.repo.FindHistoricProcessInstance(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, "申请人撤回", instance.DeleteReason)
	})

	t.Run("实例不存在", func(t *testing.T) {
		err := f.repo.DeleteProcessInstance(ctx, "missing", "x")
		assert.True(t, errors.Is(err, ErrProcessInstanceNotFound))
	})
}

func TestProcessRepo_ListHistoricProcessInstances(t *testing.T) {
	ctx := context.Background()
	leaveV2 := leaveConfig()
	leaveV2.ID = ProcessDefinitionID(leaveV2.Key, 2)
	leaveV2.Version = 2
	f := setupEngine(t, leaveConfig(), leaveV2, countersignConfig())

	first, err := f.engine.StartProcess(ctx, &StartProcessRequest{
		ProcessDefinitionID: "askforleave:1",
		Variables:           map[string]any{"applicant": "zhangsan"},
	})
	require.NoError(t, err)
	second, err := f.engine.StartProcess(ctx, &StartProcessRequest{
		ProcessDefinitionKey: "askforleave",
		Variables:            map[string]any{"applicant": "lisi"},
	})
	require.NoError(t, err)
	_, err = f.engine.StartProcess(ctx, &StartProcessRequest{ProcessDefinitionKey: "countersign"})
	require.NoError(t, err)
	require.NoError(t, f.repo.DeleteProcessInstance(ctx, first.ProcessInstanceID, "申请人撤回"))

	t.Run("同一个key的所有版本", func(t *testing.T) {
		instances, err := f.repo.ListHistoricProcessInstances(ctx, "askforleave")
		require.NoError(t, err)
		require.Len(t, instances, 2)
		assert.Equal(t, first.ProcessInstanceID, instances[0].ID)
		assert.Equal(t, "askforleave:1", instances[0].ProcessDefinitionID)
		assert.Equal(t, ProcessInstanceStatusDeleted, instances[0].Status)
		assert.Equal(t, second.ProcessInstanceID, instances[1].ID)
		assert.Equal(t, "askforleave:2", instances[1].ProcessDefinitionID)
		assert.Equal(t, ProcessInstanceStatusRunning, instances[1].Status)
		assert.Nil(t, instances[1].EndTime)
	})

	t.Run("其他流程", func(t *testing.T) {
		instances, err := f.repo.ListHistoricProcessInstances(ctx, "countersign")
		require.NoError(t, err)
		assert.Len(t, instances, 1)
		instances, err = f.repo.ListHistoricProcessInstances(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, instances)
	})

	t.Run("key为空", func(t *testing.T) {
		_, err := f.repo.ListHistoricProcessInstances(ctx, "")
		assert.True(t, errors.Is(err, ErrParamInvalid))
	})
}
