package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/blingmoon/process-router/examples"
	"github.com/blingmoon/process-router/internal/commonregister"
	"github.com/blingmoon/process-router/workflow"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the leave-approval demo: reroute, reject and highlight",
	Long: `Deploys the built-in processes into the configured sqlite database, starts a
leave request, reroutes the leader audit straight to HR, rejects another request
back to the applicant and prints the diagram highlights and router metrics.
When redis.addr is configured the per-node lock is taken in Redis.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context(), cmd.OutOrStdout(), appConfig)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func newWorkflowLock(ctx context.Context, config RedisConfig) (workflow.WorkflowLock, func(), error) {
	if config.Addr == "" {
		return workflow.NewLocalWorkflowLock(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, errors.Wrapf(err, "ping redis failed, addr: %s", config.Addr)
	}
	slog.InfoContext(ctx, "using redis node lock", "addr", config.Addr)
	return workflow.NewRedisWorkflowLock(client), func() { _ = client.Close() }, nil
}

func runDemo(ctx context.Context, w io.Writer, config *AppConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if config == nil {
		config = defaultAppConfig()
	}
	lock, closeLock, err := newWorkflowLock(ctx, config.Redis)
	if err != nil {
		return err
	}
	defer closeLock()

	registry := prometheus.NewRegistry()
	routerConfig := config.Router
	routerConfig.Metrics = workflow.NewRouterMetrics(registry)
	store, err := examples.NewSqliteRouterWithLock(config.Database, lock, &routerConfig)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := commonregister.RegisterProcesses(ctx, store.Repo); err != nil {
		if !errors.Is(err, workflow.ErrInvalidProcessConfig) {
			return err
		}
		slog.WarnContext(ctx, "built-in processes already deployed", "err", err)
	}

	demo := &leaveDemo{store: store, w: w}
	fmt.Fprintln(w, color.CyanString("== 领导直接转给人事"))
	if err := demo.reroute(ctx, "lisi"); err != nil {
		return err
	}
	fmt.Fprintln(w, color.CyanString("== 领导驳回到上一步"))
	if err := demo.reject(ctx, "zhangsan"); err != nil {
		return err
	}

	fmt.Fprintln(w, color.CyanString("== 路由指标"))
	families, err := registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics failed")
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return errors.Wrap(err, "write metrics failed")
		}
	}
	return nil
}

type leaveDemo struct {
	store *examples.SqliteRouter
	w     io.Writer
}

// start 发起请假并提交申请, 返回领导审批任务
func (d *leaveDemo) start(ctx context.Context, applicant string) (string, *workflow.TaskRef, error) {
	started, err := d.store.Engine.StartProcess(ctx, &workflow.StartProcessRequest{
		ProcessDefinitionKey: commonregister.LeaveProcessKey,
		BusinessKey:          "leave-" + applicant,
		Variables:            map[string]any{"applicant": applicant, "days": 3},
	})
	if err != nil {
		return "", nil, err
	}
	pid := started.ProcessInstanceID
	if _, err := d.store.Router.Route(ctx, &workflow.RouteRequest{TaskID: started.Tasks[0].TaskID}); err != nil {
		return "", nil, err
	}
	tasks, err := d.store.Repo.ListActiveTasks(ctx, pid, "leaderAudit")
	if err != nil {
		return "", nil, err
	}
	if len(tasks) == 0 {
		return "", nil, errors.Wrapf(workflow.ErrTaskNotFound, "leaderAudit task not found, processInstanceID: %s", pid)
	}
	fmt.Fprintf(d.w, "  %s 提交了请假申请, 流程实例: %s\n", applicant, pid)
	return pid, tasks[0], nil
}

func (d *leaveDemo) reroute(ctx context.Context, applicant string) error {
	pid, task, err := d.start(ctx, applicant)
	if err != nil {
		return err
	}
	result, err := d.store.Router.Route(ctx, &workflow.RouteRequest{TaskID: task.TaskID, TargetNodeID: "hrAudit"})
	if err != nil {
		return err
	}
	fmt.Fprintf(d.w, "  %s -> %s, 状态: %v\n", result.NodeID, result.TargetNodeID, result.States)
	return d.highlight(ctx, pid)
}

func (d *leaveDemo) reject(ctx context.Context, applicant string) error {
	pid, task, err := d.start(ctx, applicant)
	if err != nil {
		return err
	}
	result, err := d.store.Router.Reject(ctx, task.TaskID)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.w, "  驳回到 %s, 驳回的任务: %v\n", result.TargetNodeID, result.RejectedTasks)
	return d.highlight(ctx, pid)
}

func (d *leaveDemo) highlight(ctx context.Context, pid string) error {
	highlight, err := d.store.Highlight.Highlight(ctx, pid)
	if err != nil {
		return err
	}
	fmt.Fprintf(d.w, "  高亮节点: %v\n  高亮连线: %v\n", highlight.ActivityIDs, highlight.TransitionIDs)
	return nil
}
