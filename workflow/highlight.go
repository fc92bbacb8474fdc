package workflow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DiagramHighlight 流程图上需要高亮的节点和连线
type DiagramHighlight struct {
	ProcessInstanceID   string   `json:"process_instance_id"`
	ProcessDefinitionID string   `json:"process_definition_id"`
	ActivityIDs         []string `json:"activity_ids"`
	TransitionIDs       []string `json:"transition_ids"`
}

// HighlightService 根据历史记录计算流程图高亮
type HighlightService struct {
	definitions ProcessDefinitionStore
	history     HistoryStore
	tracer      trace.Tracer
}

// NewHighlightService tracer 为 nil 时使用全局的 TracerProvider
func NewHighlightService(definitions ProcessDefinitionStore, history HistoryStore, tracer trace.Tracer) *HighlightService {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &HighlightService{
		definitions: definitions,
		history:     history,
		tracer:      tracer,
	}
}

/*
*
  - @description: 计算流程实例的高亮节点和已流转的连线
    历史查询失败返回 ErrHistoryQueryFailed, 不返回部分结果
  - @param ctx context.Context
  - @param processInstanceID string
  - @return *DiagramHighlight, error
*/
func (s *HighlightService) Highlight(ctx context.Context, processInstanceID string) (ret *DiagramHighlight, err error) {
	if strings.TrimSpace(processInstanceID) == "" {
		return nil, errors.Wrapf(ErrParamInvalid, "Highlight failed, processInstanceID is empty")
	}
	ctx, span := s.tracer.Start(ctx, "HighlightService.Highlight", trace.WithAttributes(
		attribute.String("process.instance_id", processInstanceID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	instance, err := s.history.FindHistoricProcessInstance(ctx, processInstanceID)
	if err != nil {
		if errors.Is(err, ErrProcessInstanceNotFound) {
			return nil, errors.WithMessage(err, "Highlight failed")
		}
		return nil, errors.Wrapf(ErrHistoryQueryFailed, "FindHistoricProcessInstance failed, processInstanceID: %s, err: %v", processInstanceID, err)
	}
	graph, err := s.definitions.LoadGraph(ctx, instance.ProcessDefinitionID)
	if err != nil {
		return nil, errors.WithMessagef(err, "LoadGraph failed, processDefinitionID: %s", instance.ProcessDefinitionID)
	}
	activities, err := s.history.ListHistoricActivities(ctx, processInstanceID)
	if err != nil {
		return nil, errors.Wrapf(ErrHistoryQueryFailed, "ListHistoricActivities failed, processInstanceID: %s, err: %v", processInstanceID, err)
	}
	tasks, err := s.history.ListHistoricTasks(ctx, processInstanceID)
	if err != nil {
		return nil, errors.Wrapf(ErrHistoryQueryFailed, "ListHistoricTasks failed, processInstanceID: %s, err: %v", processInstanceID, err)
	}

	ret = &DiagramHighlight{
		ProcessInstanceID:   processInstanceID,
		ProcessDefinitionID: graph.ID,
		ActivityIDs:         ExecutedActivityIDs(graph, activities, tasks),
		TransitionIDs:       ReconstructTraversedEdges(graph, activities).Sorted(),
	}
	span.SetAttributes(
		attribute.Int("highlight.activities", len(ret.ActivityIDs)),
		attribute.Int("highlight.transitions", len(ret.TransitionIDs)),
	)
	slog.DebugContext(ctx, "highlight", "processInstanceID", processInstanceID, "activityIDs", ret.ActivityIDs, "transitionIDs", ret.TransitionIDs)
	return ret, nil
}
