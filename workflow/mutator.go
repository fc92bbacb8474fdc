package workflow

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// GraphMutator 对单个节点的出线做临时的、可还原的修改
// 让一次完成调用表现得像节点只有一条指向目标节点的出线
//
// 使用方式固定为 SnapshotAndClear -> SpliceTransient -> 完成 -> Restore,
// Restore 必须放在 defer 里面, 保证任何出口都能还原;
// 同一个节点同时只能有一个转向, 由调用方用 WorkflowLock 保证
type GraphMutator struct{}

func NewGraphMutator() *GraphMutator {
	return &GraphMutator{}
}

/*
*
  - @description: 记录并清空节点当前的所有出线
  - @param graph *ProcessGraph
  - @param nodeID string
  - @return []Transition 被移除的出线, 用于还原
*/
func (m *GraphMutator) SnapshotAndClear(graph *ProcessGraph, nodeID string) ([]Transition, error) {
	if graph == nil {
		return nil, errors.New("graph is nil")
	}
	graph.mu.Lock()
	defer graph.mu.Unlock()
	if _, ok := graph.nodes[nodeID]; !ok {
		return nil, errors.WithMessagef(ErrNodeNotFound, "SnapshotAndClear failed, graphID: %s, nodeID: %s", graph.ID, nodeID)
	}
	// 上一个转向还没还原, 这时候记录下来的出线会把临时连线当成原始出线
	if graph.hasTransientLocked(nodeID) {
		return nil, errors.WithMessagef(ErrTransientTransitionPresent, "SnapshotAndClear failed, graphID: %s, nodeID: %s, outgoing: %v", graph.ID, nodeID, graph.outgoing[nodeID])
	}
	ids := graph.outgoing[nodeID]
	originals := make([]Transition, 0, len(ids))
	for _, id := range ids {
		t, ok := graph.transitions[id]
		if !ok {
			continue
		}
		originals = append(originals, *t)
		delete(graph.transitions, id)
	}
	graph.outgoing[nodeID] = make([]string, 0)
	return originals, nil
}

/*
*
  - @description: 给节点增加一条指向目标节点的临时出线
  - @param graph *ProcessGraph
  - @param nodeID string
  - @param targetNodeID string
  - @return string 临时连线id
*/
func (m *GraphMutator) SpliceTransient(graph *ProcessGraph, nodeID string, targetNodeID string) (string, error) {
	if graph == nil {
		return "", errors.New("graph is nil")
	}
	graph.mu.Lock()
	defer graph.mu.Unlock()
	if _, ok := graph.nodes[nodeID]; !ok {
		return "", errors.WithMessagef(ErrNodeNotFound, "SpliceTransient failed, graphID: %s, nodeID: %s", graph.ID, nodeID)
	}
	if _, ok := graph.nodes[targetNodeID]; !ok {
		return "", errors.WithMessagef(ErrTargetNodeNotFound, "SpliceTransient failed, graphID: %s, targetNodeID: %s", graph.ID, targetNodeID)
	}
	transient := &Transition{
		ID:        transientTransitionID(nodeID, targetNodeID),
		SourceID:  nodeID,
		TargetID:  targetNodeID,
		Transient: true,
	}
	graph.transitions[transient.ID] = transient
	graph.outgoing[nodeID] = append(graph.outgoing[nodeID], transient.ID)
	return transient.ID, nil
}

/*
*
  - @description: 用 originals 替换节点当前的出线, 不需要知道临时连线的id
    originals 里面的临时连线不会被还原
  - @param graph *ProcessGraph
  - @param nodeID string
  - @param originals []Transition SnapshotAndClear 的返回值
*/
func (m *GraphMutator) Restore(graph *ProcessGraph, nodeID string, originals []Transition) {
	if graph == nil {
		return
	}
	graph.mu.Lock()
	defer graph.mu.Unlock()
	if _, ok := graph.nodes[nodeID]; !ok {
		return
	}
	restored := make([]Transition, 0, len(originals))
	for _, t := range originals {
		if !t.Transient {
			restored = append(restored, t)
		}
	}
	keep := TransitionIDSet(restored)
	for _, id := range graph.outgoing[nodeID] {
		if _, ok := keep[id]; !ok {
			delete(graph.transitions, id)
		}
	}
	ids := make([]string, 0, len(restored))
	for i := range restored {
		t := restored[i]
		graph.transitions[t.ID] = &t
		ids = append(ids, t.ID)
	}
	graph.outgoing[nodeID] = ids
}

func transientTransitionID(nodeID, targetNodeID string) string {
	return "reroute_" + nodeID + "_" + targetNodeID + "_" + uuid.NewString()
}
