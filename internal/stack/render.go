// render.go formats deploy results for 'kred deploy'.
package stack

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/kubekattle/kred/pkg/api"
)

// PrintResult renders the per-object action table plus any warnings.
func PrintResult(result *api.DeployResult) {
	fmt.Printf("Stack %s deployed to namespace %s in %s\n",
		result.Stack, result.Namespace, result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tNAME\tACTION")
	for _, obj := range result.Objects {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", obj.Kind, obj.Name, colorizeAction(obj.Action))
	}
	_ = tw.Flush()

	if len(result.Secrets) > 0 {
		fmt.Printf("\nManaged secrets: %d (values never printed; run 'kred compliance scan' to grade them)\n", len(result.Secrets))
	}
	for _, warning := range result.Warnings {
		if color.NoColor {
			fmt.Printf("Warning: %s\n", warning)
		} else {
			fmt.Printf("%s %s\n", color.New(color.FgYellow).Sprint("Warning:"), warning)
		}
	}
}

func colorizeAction(action api.ObjectAction) string {
	text := string(action)
	if color.NoColor {
		return text
	}
	switch action {
	case api.ActionCreated:
		return color.New(color.FgGreen).Sprint(text)
	case api.ActionUpdated:
		return color.New(color.FgYellow).Sprint(text)
	default:
		return text
	}
}
