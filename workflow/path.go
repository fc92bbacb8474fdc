package workflow

import (
	"log/slog"
	"sort"
	"time"
)

// HistoricActivityRecord 历史活动记录, 只读
// EndTime 为 nil 表示活动还没有结束
type HistoricActivityRecord struct {
	ActivityID   string
	ActivityType string
	StartTime    time.Time
	EndTime      *time.Time
}

func (r *HistoricActivityRecord) Finished() bool {
	return r.EndTime != nil
}

// TraversedEdgeSet 已经流转过的连线id集合
type TraversedEdgeSet map[string]struct{}

func (s TraversedEdgeSet) Add(transitionID string) {
	s[transitionID] = struct{}{}
}

func (s TraversedEdgeSet) Contains(transitionID string) bool {
	_, ok := s[transitionID]
	return ok
}

func (s TraversedEdgeSet) Sorted() []string {
	ret := make([]string, 0, len(s))
	for id := range s {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

/*
*
  - @description: 根据历史活动记录还原已经流转过的连线
    满足如下条件认为已流转:
    1. 已结束的节点是并行网关或兼容网关, 出线目标在历史中出现过的全部算已流转
    2. 其他类型的节点, 出线目标在历史中出现过的候选里面, 目标开始时间最早的一条算已流转,
    开始时间完全相同时取连线id字典序最小的一条
    历史记录里面有图中不存在的节点(虚拟的开始/结束标记等)直接跳过, 不算错误
    纯函数, 不加节点锁, 不能和同一个图上进行中的转向并发调用
  - @param graph *ProcessGraph
  - @param records []*HistoricActivityRecord 无序
  - @return TraversedEdgeSet
*/
func ReconstructTraversedEdges(graph *ProcessGraph, records []*HistoricActivityRecord) TraversedEdgeSet {
	ret := make(TraversedEdgeSet)
	if graph == nil || len(records) == 0 {
		return ret
	}
	// 每个节点最早的开始时间, 同时也是"历史中出现过"的集合
	earliestStart := make(map[string]time.Time, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		if start, ok := earliestStart[record.ActivityID]; !ok || record.StartTime.Before(start) {
			earliestStart[record.ActivityID] = record.StartTime
		}
	}

	for _, record := range records {
		if record == nil || !record.Finished() {
			continue
		}
		node, ok := graph.Node(record.ActivityID)
		if !ok {
			slog.Debug("ReconstructTraversedEdges skip unknown activity", "graphID", graph.ID, "activityID", record.ActivityID)
			continue
		}
		outs := graph.Outgoing(node.ID)
		if IsFanOutKind(node.Kind) {
			for _, t := range outs {
				if _, ok := earliestStart[t.TargetID]; ok {
					ret.Add(t.ID)
				}
			}
			continue
		}
		var (
			chosen      string
			chosenStart time.Time
		)
		for _, t := range outs {
			start, ok := earliestStart[t.TargetID]
			if !ok {
				continue
			}
			if chosen == "" || start.Before(chosenStart) || (start.Equal(chosenStart) && t.ID < chosen) {
				chosen = t.ID
				chosenStart = start
			}
		}
		if chosen != "" {
			ret.Add(chosen)
		}
	}
	return ret
}

// ExecutedActivityIDs 需要高亮的节点
// 任务节点以历史任务为准(驳回时会删除历史任务), 其他节点只要出现在历史活动里面就算执行过
func ExecutedActivityIDs(graph *ProcessGraph, records []*HistoricActivityRecord, tasks []*HistoricTaskRecord) []string {
	taskKeys := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task == nil {
			continue
		}
		taskKeys[task.TaskDefinitionKey] = struct{}{}
	}
	seen := make(map[string]struct{}, len(records))
	ret := make([]string, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		if _, ok := seen[record.ActivityID]; ok {
			continue
		}
		node, ok := graph.Node(record.ActivityID)
		if !ok {
			continue
		}
		if node.Kind == NodeKindTask {
			if _, ok := taskKeys[node.ID]; !ok {
				continue
			}
		}
		seen[record.ActivityID] = struct{}{}
		ret = append(ret, record.ActivityID)
	}
	sort.Strings(ret)
	return ret
}
