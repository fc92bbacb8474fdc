package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/blingmoon/process-router/workflow"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var traceCmd = &cobra.Command{
	Use:   "trace <definition-file> <history-file>",
	Short: "Reconstruct traversed transitions from a historic activity log",
	Long: `Reads a YAML list of historic activities and prints the transitions that were
traversed and the activities that would be highlighted on the diagram.

  - activity_id: start
    activity_type: startEvent
    start_time: 2024-05-01T09:00:00Z
    end_time: 2024-05-01T09:00:00Z`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrace(cmd.OutOrStdout(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
}

type historyEntry struct {
	ActivityID   string     `yaml:"activity_id"`
	ActivityType string     `yaml:"activity_type"`
	StartTime    time.Time  `yaml:"start_time"`
	EndTime      *time.Time `yaml:"end_time"`
}

func loadHistory(path string) ([]*workflow.HistoricActivityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read history failed, path: %s", path)
	}
	entries := make([]*historyEntry, 0)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "parse history failed, path: %s", path)
	}
	records := make([]*workflow.HistoricActivityRecord, 0, len(entries))
	for _, entry := range entries {
		if entry == nil || entry.ActivityID == "" {
			continue
		}
		records = append(records, &workflow.HistoricActivityRecord{
			ActivityID:   entry.ActivityID,
			ActivityType: entry.ActivityType,
			StartTime:    entry.StartTime,
			EndTime:      entry.EndTime,
		})
	}
	return records, nil
}

func runTrace(w io.Writer, definitionPath string, historyPath string) error {
	_, graph, err := loadDefinition(definitionPath)
	if err != nil {
		return err
	}
	records, err := loadHistory(historyPath)
	if err != nil {
		return err
	}
	// 日志文件里面没有单独的任务历史, 出现过的任务节点都算执行过
	tasks := make([]*workflow.HistoricTaskRecord, 0)
	for _, record := range records {
		if record.ActivityType == workflow.NodeKindTask {
			tasks = append(tasks, &workflow.HistoricTaskRecord{TaskDefinitionKey: record.ActivityID})
		}
	}

	edges := workflow.ReconstructTraversedEdges(graph, records)
	fmt.Fprintf(w, "process definition: %s\n", graph.ID)
	fmt.Fprintln(w, "traversed transitions:")
	for _, id := range edges.Sorted() {
		transition, _ := graph.Transition(id)
		fmt.Fprintf(w, "  %s: %s -> %s\n", id, transition.SourceID, transition.TargetID)
	}
	fmt.Fprintln(w, "executed activities:")
	for _, id := range workflow.ExecutedActivityIDs(graph, records, tasks) {
		fmt.Fprintf(w, "  %s\n", id)
	}
	return nil
}
