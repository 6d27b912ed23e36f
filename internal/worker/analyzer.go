package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/me/ledispatch/pkg/model"
)

// Analyzer runs the analysis for one checked-out work item.
type Analyzer interface {
	Analyze(ctx context.Context, item *model.WorkItem, workDir string) error
}

// CommandAnalyzer runs an external command per analysis type. The work item
// is written to the command's stdin as JSON; a non-zero exit is a failure.
type CommandAnalyzer struct {
	runtime  Runtime
	image    string
	commands map[model.AnalysisType][]string
}

// NewCommandAnalyzer creates a CommandAnalyzer. image is only used by
// container runtimes.
func NewCommandAnalyzer(rt Runtime, image string, commands map[model.AnalysisType][]string) *CommandAnalyzer {
	return &CommandAnalyzer{runtime: rt, image: image, commands: commands}
}

// Types returns the analysis types a command is configured for.
func (a *CommandAnalyzer) Types() []model.AnalysisType {
	var types []model.AnalysisType
	for _, t := range model.AnalysisTypes {
		if len(a.commands[t]) > 0 {
			types = append(types, t)
		}
	}
	return types
}

func (a *CommandAnalyzer) Analyze(ctx context.Context, item *model.WorkItem, workDir string) error {
	var analysisType model.AnalysisType
	env := map[string]string{"LEDISPATCH_TASK_ID": item.ID()}
	switch {
	case item.Task != nil:
		analysisType = item.Task.AnalysisType
		env["LEDISPATCH_SLOT_KEY"] = item.Task.SlotKey
	case item.ExperimentalTask != nil:
		analysisType = item.ExperimentalTask.AnalysisType
		env["LEDISPATCH_SLOT_KEY"] = item.ExperimentalTask.SlotKey
		env["LEDISPATCH_EXPERIMENT"] = item.ExperimentalTask.ExperimentName
	default:
		return fmt.Errorf("empty work item")
	}
	env["LEDISPATCH_ANALYSIS_TYPE"] = string(analysisType)

	command := a.commands[analysisType]
	if len(command) == 0 {
		return fmt.Errorf("no command configured for analysis type %s", analysisType)
	}

	input, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}

	result, err := a.runtime.Run(ctx, RunSpec{
		Image:   a.image,
		Command: command,
		WorkDir: workDir,
		Env:     env,
		Stdin:   input,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", command[0], result.ExitCode, lastLine(result.Stderr))
	}
	return nil
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
