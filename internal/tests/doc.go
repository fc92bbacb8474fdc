// Package tests 是 process-router 的集成测试。
//
// 此包位于 internal/ 目录下，外部项目无法导入。
//
// 测试内容：
//   - 请假流程完整场景：驳回、重新提交、同意、流程图高亮
//   - 同一个节点上的并发转向，结束之后拓扑不变
//   - 两个进程共享 sqlite 数据库，节点锁放在 redis（miniredis）里面
//
// 运行测试：
//
//	go test ./internal/tests/...
package tests
