package peer

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// ExecHandler runs the task's command as a process with the whitespace-split
// args and reports its combined output. A failure to start or a non-zero exit
// is appended to the output.
func ExecHandler(ctx context.Context, task Task) string {
	cmd := exec.CommandContext(ctx, task.Command, strings.Fields(task.Args)...)
	out, err := cmd.CombinedOutput()
	result := strings.TrimRight(string(out), "\n")
	if err != nil {
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("error: %v", err)
	}
	return result
}
