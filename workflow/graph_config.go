package workflow

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ProcessConfig 流程定义配置
type ProcessConfig struct {
	ID          string              `json:"id" yaml:"id" validate:"required"`     // 流程定义ID, 一个版本一个, 例如 leave:1
	Key         string              `json:"key" yaml:"key" validate:"required"`   // 流程定义key, 同一个流程的不同版本共享
	Name        string              `json:"name" yaml:"name"`                     // 流程名称
	Version     int64               `json:"version" yaml:"version" validate:"gte=0"`
	Nodes       []*NodeConfig       `json:"nodes" yaml:"nodes" validate:"required,min=1,dive"`
	Transitions []*TransitionConfig `json:"transitions" yaml:"transitions" validate:"dive"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	ID       string   `json:"id" yaml:"id" validate:"required"`
	Name     string   `json:"name" yaml:"name"`
	Kind     NodeKind `json:"kind" yaml:"kind" validate:"required"`
	// Assignee 任务处理人, 例如 ${applicant} 从流程变量 applicant 取值, 其他写法当成固定值
	Assignee string   `json:"assignee,omitempty" yaml:"assignee,omitempty"`
}

// TransitionConfig 连线配置
type TransitionConfig struct {
	ID         string            `json:"id" yaml:"id" validate:"required"`
	Source     string            `json:"source" yaml:"source" validate:"required"`
	Target     string            `json:"target" yaml:"target" validate:"required"`
	Conditions map[string]string `json:"conditions,omitempty" yaml:"conditions,omitempty"` // 变量名 -> 期望值, 全部相等才会走这条线
}

/*
*
  - @description: 解析流程定义配置, 根据文件名后缀选择 json 或者 yaml
  - @param name string 文件名, 只用来判断格式
  - @param data []byte
  - @return *ProcessConfig, error
*/
func ParseProcessConfig(name string, data []byte) (*ProcessConfig, error) {
	config := &ProcessConfig{}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, errors.Wrapf(ErrInvalidProcessConfig, "yaml unmarshal failed, name: %s, err: %v", name, err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, errors.Wrapf(ErrInvalidProcessConfig, "json unmarshal failed, name: %s, err: %v", name, err)
		}
	}
	return config, nil
}

/*
*
  - @description: 根据配置构建流程图, 构建过程中检查节点和连线的引用关系
  - @param config *ProcessConfig
  - @return *ProcessGraph, error
*/
func BuildProcessGraph(config *ProcessConfig) (*ProcessGraph, error) {
	if config == nil {
		return nil, errors.WithMessage(ErrInvalidProcessConfig, "config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return nil, errors.Wrapf(ErrInvalidProcessConfig, "validate failed, id: %s, err: %v", config.ID, err)
	}
	graph := newProcessGraph(config.ID, config.Key, config.Name, config.Version)
	for _, node := range config.Nodes {
		err := graph.addNode(&ProcessNode{ID: node.ID, Name: node.Name, Kind: node.Kind, Assignee: node.Assignee})
		if err != nil {
			return nil, errors.WithMessagef(err, "BuildProcessGraph failed, id: %s", config.ID)
		}
	}
	for _, t := range config.Transitions {
		conditions := make(map[string]string, len(t.Conditions))
		for k, v := range t.Conditions {
			conditions[k] = v
		}
		err := graph.addTransition(&Transition{ID: t.ID, SourceID: t.Source, TargetID: t.Target, Conditions: conditions})
		if err != nil {
			return nil, errors.WithMessagef(err, "BuildProcessGraph failed, id: %s", config.ID)
		}
	}
	if len(graph.StartNodes()) == 0 {
		return nil, errors.WithMessagef(ErrInvalidProcessConfig, "start event not found, id: %s", config.ID)
	}
	return graph, nil
}

// ToProcessConfig 图转回配置, 只会导出静态拓扑, 转向中的临时连线也会被导出, 调用方需要注意时机
func (g *ProcessGraph) ToProcessConfig() *ProcessConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	config := &ProcessConfig{
		ID:          g.ID,
		Key:         g.Key,
		Name:        g.Name,
		Version:     g.Version,
		Nodes:       make([]*NodeConfig, 0, len(g.nodeOrder)),
		Transitions: make([]*TransitionConfig, 0, len(g.transitions)),
	}
	for _, id := range g.nodeOrder {
		node := g.nodes[id]
		config.Nodes = append(config.Nodes, &NodeConfig{ID: node.ID, Name: node.Name, Kind: node.Kind, Assignee: node.Assignee})
	}
	for _, id := range g.nodeOrder {
		for _, tid := range g.outgoing[id] {
			t := g.transitions[tid]
			config.Transitions = append(config.Transitions, &TransitionConfig{
				ID:         t.ID,
				Source:     t.SourceID,
				Target:     t.TargetID,
				Conditions: t.Conditions,
			})
		}
	}
	return config
}

// ProcessDefinitionID 约定的流程定义ID格式 key:version
func ProcessDefinitionID(key string, version int64) string {
	return fmt.Sprintf("%s:%d", key, version)
}
