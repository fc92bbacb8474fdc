package commonregister

import (
	"context"
	"embed"
	"path"

	"github.com/blingmoon/process-router/workflow"
	"github.com/pkg/errors"
)

//go:embed processes/*.yaml
var processFiles embed.FS

const (
	LeaveProcessKey       = "askforleave"
	CountersignProcessKey = "countersign"
)

// ProcessConfigs 内置的流程定义, 按文件名排序
func ProcessConfigs() ([]*workflow.ProcessConfig, error) {
	entries, err := processFiles.ReadDir("processes")
	if err != nil {
		return nil, errors.Wrap(err, "read embedded processes failed")
	}
	configs := make([]*workflow.ProcessConfig, 0, len(entries))
	for _, entry := range entries {
		name := path.Join("processes", entry.Name())
		data, err := processFiles.ReadFile(name)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s failed", name)
		}
		config, err := workflow.ParseProcessConfig(name, data)
		if err != nil {
			return nil, errors.WithMessagef(err, "parse %s failed", name)
		}
		configs = append(configs, config)
	}
	return configs, nil
}

// RegisterProcesses 部署所有内置的流程定义
func RegisterProcesses(ctx context.Context, repo workflow.ProcessRepo) error {
	configs, err := ProcessConfigs()
	if err != nil {
		return err
	}
	for _, config := range configs {
		if _, err := repo.DeployProcessDefinition(ctx, config); err != nil {
			return errors.WithMessagef(err, "deploy process definition failed, id: %s", config.ID)
		}
	}
	return nil
}
