package workflow

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ProcessNode 流程节点, 加载之后不可变
type ProcessNode struct {
	ID       string
	Name     string
	Kind     NodeKind
	Assignee string // 只有用户任务使用, ${var} 表示从流程变量取值
}

// Transition 节点之间的连线(sequence flow)
// Conditions 只给参考引擎选择分支使用, 转向和路径还原都不关心
type Transition struct {
	ID         string
	SourceID   string
	TargetID   string
	Conditions map[string]string
	Transient  bool // 转向时插入的临时连线
}

// ProcessGraph 流程定义的内存图结构, 每个流程定义版本一个实例
//
// 不变式:
//   - outgoing[n] 里面引用的连线 SourceID 都等于 n
//   - 所有连线的 SourceID/TargetID 都能在 nodes 里面找到
//   - Transient 连线只在转向期间存在, 不会被当成原始出线还原
//
// mu 只保护 map 的内存安全, 转向时对单个节点的串行化由 WorkflowLock 负责
type ProcessGraph struct {
	ID      string
	Key     string
	Name    string
	Version int64

	mu          sync.RWMutex
	nodes       map[string]*ProcessNode
	nodeOrder   []string
	outgoing    map[string][]string
	incoming    map[string][]string
	transitions map[string]*Transition
	suspended   atomic.Bool
}

func newProcessGraph(id, key, name string, version int64) *ProcessGraph {
	return &ProcessGraph{
		ID:          id,
		Key:         key,
		Name:        name,
		Version:     version,
		nodes:       make(map[string]*ProcessNode),
		nodeOrder:   make([]string, 0),
		outgoing:    make(map[string][]string),
		incoming:    make(map[string][]string),
		transitions: make(map[string]*Transition),
	}
}

func (g *ProcessGraph) addNode(node *ProcessNode) error {
	if node == nil || node.ID == "" {
		return errors.WithMessage(ErrInvalidProcessConfig, "node id is empty")
	}
	if !IsValidNodeKind(node.Kind) {
		return errors.WithMessagef(ErrInvalidProcessConfig, "unknown node kind, nodeID: %s, kind: %s", node.ID, node.Kind)
	}
	if _, ok := g.nodes[node.ID]; ok {
		return errors.WithMessagef(ErrInvalidProcessConfig, "duplicate node, nodeID: %s", node.ID)
	}
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	g.outgoing[node.ID] = make([]string, 0)
	return nil
}

func (g *ProcessGraph) addTransition(t *Transition) error {
	if t == nil || t.ID == "" {
		return errors.WithMessage(ErrInvalidProcessConfig, "transition id is empty")
	}
	if _, ok := g.transitions[t.ID]; ok {
		return errors.WithMessagef(ErrInvalidProcessConfig, "duplicate transition, transitionID: %s", t.ID)
	}
	if _, ok := g.nodes[t.SourceID]; !ok {
		return errors.WithMessagef(ErrInvalidProcessConfig, "transition source not found, transitionID: %s, sourceID: %s", t.ID, t.SourceID)
	}
	if _, ok := g.nodes[t.TargetID]; !ok {
		return errors.WithMessagef(ErrInvalidProcessConfig, "transition target not found, transitionID: %s, targetID: %s", t.ID, t.TargetID)
	}
	g.transitions[t.ID] = t
	g.outgoing[t.SourceID] = append(g.outgoing[t.SourceID], t.ID)
	g.incoming[t.TargetID] = append(g.incoming[t.TargetID], t.ID)
	return nil
}

// Node 查询节点
func (g *ProcessGraph) Node(nodeID string) (*ProcessNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[nodeID]
	return node, ok
}

// Nodes 按照定义顺序返回所有节点
func (g *ProcessGraph) Nodes() []*ProcessNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ret := make([]*ProcessNode, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		ret = append(ret, g.nodes[id])
	}
	return ret
}

// Outgoing 返回节点当前的出线(拷贝), 转向期间会包含临时连线
func (g *ProcessGraph) Outgoing(nodeID string) []Transition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.outgoing[nodeID]
	ret := make([]Transition, 0, len(ids))
	for _, id := range ids {
		if t, ok := g.transitions[id]; ok {
			ret = append(ret, *t)
		}
	}
	return ret
}

// OutgoingIDs 返回节点当前出线的id(拷贝)
func (g *ProcessGraph) OutgoingIDs(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.outgoing[nodeID]...)
}

// HasTransient 节点当前的出线里面是否有临时连线, 有表示这个节点上有转向还没有还原
func (g *ProcessGraph) HasTransient(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasTransientLocked(nodeID)
}

func (g *ProcessGraph) hasTransientLocked(nodeID string) bool {
	for _, id := range g.outgoing[nodeID] {
		if t, ok := g.transitions[id]; ok && t.Transient {
			return true
		}
	}
	return false
}

// IncomingCount 静态入线数量, 并行网关汇聚时使用
func (g *ProcessGraph) IncomingCount(nodeID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.incoming[nodeID])
}

func (g *ProcessGraph) Transition(transitionID string) (*Transition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.transitions[transitionID]
	return t, ok
}

// StartNodes 所有开始事件
func (g *ProcessGraph) StartNodes() []*ProcessNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ret := make([]*ProcessNode, 0)
	for _, id := range g.nodeOrder {
		if g.nodes[id].Kind == NodeKindStartEvent {
			ret = append(ret, g.nodes[id])
		}
	}
	return ret
}

func (g *ProcessGraph) Suspended() bool {
	return g.suspended.Load()
}

func (g *ProcessGraph) SetSuspended(suspended bool) {
	g.suspended.Store(suspended)
}

// Validate 检查图的不变式
func (g *ProcessGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for nodeID, ids := range g.outgoing {
		if _, ok := g.nodes[nodeID]; !ok {
			return errors.WithMessagef(ErrInvalidProcessConfig, "outgoing references unknown node, nodeID: %s", nodeID)
		}
		for _, id := range ids {
			t, ok := g.transitions[id]
			if !ok {
				return errors.WithMessagef(ErrInvalidProcessConfig, "outgoing references unknown transition, nodeID: %s, transitionID: %s", nodeID, id)
			}
			if t.SourceID != nodeID {
				return errors.WithMessagef(ErrInvalidProcessConfig, "transition source mismatch, nodeID: %s, transitionID: %s, sourceID: %s", nodeID, id, t.SourceID)
			}
			if _, ok := g.nodes[t.TargetID]; !ok {
				return errors.WithMessagef(ErrInvalidProcessConfig, "transition target not found, transitionID: %s, targetID: %s", id, t.TargetID)
			}
		}
	}
	return nil
}

// TransitionIDSet 方便比较拓扑是否被还原
func TransitionIDSet(transitions []Transition) map[string]struct{} {
	ret := make(map[string]struct{}, len(transitions))
	for _, t := range transitions {
		ret[t.ID] = struct{}{}
	}
	return ret
}

// SortedTransitionIDs 排序后的连线id, 主要用于日志和测试
func SortedTransitionIDs(transitions []Transition) []string {
	ret := make([]string, 0, len(transitions))
	for _, t := range transitions {
		ret = append(ret, t.ID)
	}
	sort.Strings(ret)
	return ret
}
