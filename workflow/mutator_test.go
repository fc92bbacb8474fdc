package workflow

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraphMutator_RoundTrip(t *testing.T) {
	graph := mustBuildGraph(t, leaveConfig())
	before := topologySnapshot(graph)
	mutator := NewGraphMutator()

	originals, err := mutator.SnapshotAndClear(graph, "auditGateway")
	require.NoError(t, err)
	assert.Equal(t, []string{"flow_gateway_apply", "flow_gateway_hr"}, SortedTransitionIDs(originals))
	assert.Empty(t, graph.Outgoing("auditGateway"))
	_, ok := graph.Transition("flow_gateway_hr")
	assert.False(t, ok, "清空之后连线不在图上")

	transientID, err := mutator.SpliceTransient(graph, "auditGateway", "end")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(transientID, "reroute_auditGateway_end_"))
	outs := graph.Outgoing("auditGateway")
	require.Len(t, outs, 1)
	assert.Equal(t, "end", outs[0].TargetID)
	assert.Empty(t, outs[0].Conditions)

	mutator.Restore(graph, "auditGateway", originals)
	assert.Equal(t, before, topologySnapshot(graph))
	_, ok = graph.Transition(transientID)
	assert.False(t, ok, "临时连线必须删除")
	assert.NoError(t, graph.Validate())
	// 条件也要还原
	hr, ok := graph.Transition("flow_gateway_hr")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"outcome": "approve"}, hr.Conditions)
}

func TestGraphMutator_Errors(t *testing.T) {
	graph := mustBuildGraph(t, leaveConfig())
	mutator := NewGraphMutator()
	before := topologySnapshot(graph)

	t.Run("节点不存在", func(t *testing.T) {
		_, err := mutator.SnapshotAndClear(graph, "missing")
		assert.True(t, errors.Is(err, ErrNodeNotFound))
		_, err = mutator.SpliceTransient(graph, "missing", "end")
		assert.True(t, errors.Is(err, ErrNodeNotFound))
	})

	t.Run("目标节点不存在", func(t *testing.T) {
		originals, err := mutator.SnapshotAndClear(graph, "apply")
		require.NoError(t, err)
		_, err = mutator.SpliceTransient(graph, "apply", "missing")
		assert.True(t, errors.Is(err, ErrTargetNodeNotFound))
		mutator.Restore(graph, "apply", originals)
		assert.Equal(t, before, topologySnapshot(graph))
	})

	t.Run("还原不存在的节点什么都不做", func(t *testing.T) {
		mutator.Restore(graph, "missing", []Transition{{ID: "x", SourceID: "missing", TargetID: "end"}})
		_, ok := graph.Transition("x")
		assert.False(t, ok)
		assert.Equal(t, before, topologySnapshot(graph))
	})

	t.Run("没有出线的节点", func(t *testing.T) {
		originals, err := mutator.SnapshotAndClear(graph, "end")
		require.NoError(t, err)
		assert.Empty(t, originals)
		_, err = mutator.SpliceTransient(graph, "end", "apply")
		require.NoError(t, err)
		mutator.Restore(graph, "end", originals)
		assert.Empty(t, graph.Outgoing("end"))
	})

	t.Run("转向到自己", func(t *testing.T) {
		originals, err := mutator.SnapshotAndClear(graph, "hrAudit")
		require.NoError(t, err)
		_, err = mutator.SpliceTransient(graph, "hrAudit", "hrAudit")
		require.NoError(t, err)
		outs := graph.Outgoing("hrAudit")
		require.Len(t, outs, 1)
		assert.Equal(t, "hrAudit", outs[0].TargetID)
		mutator.Restore(graph, "hrAudit", originals)
		assert.Equal(t, before, topologySnapshot(graph))
	})
}

// 节点锁过期之后第二个转向进来, 不能把第一个转向的临时连线当成原始出线
func TestGraphMutator_TransientIsNeverSnapshotted(t *testing.T) {
	graph := mustBuildGraph(t, leaveConfig())
	before := topologySnapshot(graph)
	mutator := NewGraphMutator()

	originals, err := mutator.SnapshotAndClear(graph, "leaderAudit")
	require.NoError(t, err)
	transientID, err := mutator.SpliceTransient(graph, "leaderAudit", "apply")
	require.NoError(t, err)
	assert.True(t, graph.HasTransient("leaderAudit"))
	assert.False(t, graph.HasTransient("apply"))

	_, err = mutator.SnapshotAndClear(graph, "leaderAudit")
	assert.True(t, errors.Is(err, ErrTransientTransitionPresent))
	assert.Equal(t, []string{transientID}, graph.OutgoingIDs("leaderAudit"), "拒绝之后出线不变")

	// 带着临时连线的过期快照也不会把临时连线还原回去
	stale := append(graph.Outgoing("leaderAudit"), originals...)
	mutator.Restore(graph, "leaderAudit", originals)
	mutator.Restore(graph, "leaderAudit", stale)
	assert.Equal(t, before, topologySnapshot(graph))
	assert.False(t, graph.HasTransient("leaderAudit"))
	_, ok := graph.Transition(transientID)
	assert.False(t, ok)
	require.NoError(t, graph.Validate())
}

// randomConfig 随机拓扑, 节点类型和连线都随机, 允许环
func randomConfig(r *rand.Rand, index int) *ProcessConfig {
	kinds := []NodeKind{NodeKindTask, NodeKindExclusiveGateway, NodeKindParallelGateway, NodeKindInclusiveGateway, NodeKindEndEvent}
	nodeCount := 2 + r.Intn(10)
	config := &ProcessConfig{ID: fmt.Sprintf("random:%d", index), Key: "random"}
	config.Nodes = append(config.Nodes, &NodeConfig{ID: "n0", Kind: NodeKindStartEvent})
	for i := 1; i < nodeCount; i++ {
		config.Nodes = append(config.Nodes, &NodeConfig{ID: fmt.Sprintf("n%d", i), Kind: kinds[r.Intn(len(kinds))]})
	}
	transitionCount := r.Intn(nodeCount * 3)
	for i := 0; i < transitionCount; i++ {
		config.Transitions = append(config.Transitions, &TransitionConfig{
			ID:     fmt.Sprintf("t%d", i),
			Source: fmt.Sprintf("n%d", r.Intn(nodeCount)),
			Target: fmt.Sprintf("n%d", r.Intn(nodeCount)),
		})
	}
	return config
}

// 任意拓扑, 任意节点, 任意目标, 还原之后拓扑和转向之前一致
func TestGraphMutator_RestoreIsExactOnRandomTopologies(t *testing.T) {
	r := rand.New(rand.NewSource(20240101))
	mutator := NewGraphMutator()
	for i := 0; i < 200; i++ {
		graph := mustBuildGraph(t, randomConfig(r, i))
		nodes := graph.Nodes()
		before := topologySnapshot(graph)
		node := nodes[r.Intn(len(nodes))]
		target := nodes[r.Intn(len(nodes))]

		originals, err := mutator.SnapshotAndClear(graph, node.ID)
		require.NoError(t, err)
		transientID, err := mutator.SpliceTransient(graph, node.ID, target.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{transientID}, graph.OutgoingIDs(node.ID))
		for _, other := range nodes {
			if other.ID != node.ID {
				assert.Equal(t, before[other.ID], SortedTransitionIDs(graph.Outgoing(other.ID)), "其他节点的出线不受影响")
			}
		}

		mutator.Restore(graph, node.ID, originals)
		require.Equal(t, before, topologySnapshot(graph), "graph: %s, node: %s, target: %s", graph.ID, node.ID, target.ID)
		_, ok := graph.Transition(transientID)
		assert.False(t, ok)
		require.NoError(t, graph.Validate())
	}
}
