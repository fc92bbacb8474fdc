// Package workflow 提供流程任务转向和执行路径还原功能。
//
// 流程定义是一张有向图（开始事件、用户任务、排他/并行/兼容网关、结束事件），
// 在这张图上提供两个能力：
//   - 任务转向：把一个任务的完成临时导向任意节点（例如驳回到上一步），
//     完成之后节点的出线原样还原，持久化的流程定义不受影响
//   - 路径还原：根据无序的历史活动记录，算出哪些连线已经流转过，用于流程图高亮
//
// 主要特性：
//   - 同一个节点上的转向串行执行，支持本地锁和分布式锁（Redis）
//   - 还原在所有出口都会执行，包括完成失败、超时、panic
//   - 数据持久化：支持 GORM，自带一个基于数据库的参考完成引擎
//   - 可观测：prometheus 指标和 opentelemetry 链路
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//
//	    "github.com/blingmoon/process-router/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    db.AutoMigrate(workflow.AllProcessPos()...)
//
//	    // 2. 部署流程定义
//	    repo := workflow.NewProcessRepo(db)
//	    config, _ := workflow.ParseProcessConfig("askforleave.yaml", data)
//	    repo.DeployProcessDefinition(ctx, config)
//
//	    // 3. 创建完成引擎和路由
//	    engine := workflow.NewStoreCompletionEngine(repo)
//	    router := workflow.NewTaskRouter(repo, repo, repo, engine, workflow.NewLocalWorkflowLock(), nil)
//
//	    // 4. 发起流程
//	    started, _ := engine.StartProcess(ctx, &workflow.StartProcessRequest{
//	        ProcessDefinitionKey: "askforleave",
//	        Variables:            map[string]any{"applicant": "zhangsan"},
//	    })
//
//	    // 5. 正常完成: 沿着流程定义的出线走
//	    router.Route(ctx, &workflow.RouteRequest{TaskID: started.Tasks[0].TaskID})
//
//	    // 6. 转向完成: 领导审批直接转给人事
//	    router.Route(ctx, &workflow.RouteRequest{TaskID: leaderTaskID, TargetNodeID: "hrAudit"})
//
//	    // 7. 驳回到上一步
//	    router.Reject(ctx, leaderTaskID)
//
//	    // 8. 流程图高亮
//	    highlight, _ := workflow.NewHighlightService(repo, repo, nil).Highlight(ctx, started.ProcessInstanceID)
//	    _ = highlight.TransitionIDs
//	}
//
// 连线还原规则：
//
//   - 已结束的并行网关、兼容网关：出线目标在历史中出现过的全部算已流转
//   - 其他已结束的节点：出线目标在历史中出现过的候选里面，目标开始时间最早的一条算已流转，
//     时间相同取连线id字典序最小的一条
//   - 历史里面有图中不存在的节点直接跳过
//
// 其他存储实现只需要实现 ProcessDefinitionStore、TaskStore、HistoryStore 三个接口，
// 完成引擎实现 CompletionEngine 接口，完成引擎必须读取流程图当前的出线，否则转向不会生效。
//
// 更多示例请参考 examples/ 和 cmd/flowroute
package workflow
