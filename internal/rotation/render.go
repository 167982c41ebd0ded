// render.go formats rotation results into the table output used by 'kred rotate'.
package rotation

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/kubekattle/kred/pkg/api"
)

// PrintResults renders a rotation sweep as a table plus per-failure detail.
func PrintResults(results []api.RotationResult) {
	if len(results) == 0 {
		fmt.Println("No secrets were due for rotation.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SECRET\tNAMESPACE\tSTATE\tWORKLOADS\tATTEMPTS\tDURATION")
	for _, result := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			result.Secret,
			result.Namespace,
			colorizeState(result.State),
			len(result.Workloads),
			result.UpdateAttempts,
			result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond),
		)
	}
	_ = tw.Flush()
	printFailureDetail(results)
}

func colorizeState(state api.RotationState) string {
	text := string(state)
	if color.NoColor {
		return text
	}
	switch state {
	case api.RotationCompleted:
		return color.New(color.FgGreen).Sprint(text)
	case api.RotationRolledBack:
		return color.New(color.FgYellow).Sprint(text)
	case api.RotationFailed:
		return color.New(color.FgHiRed).Sprint(text)
	default:
		return text
	}
}

func printFailureDetail(results []api.RotationResult) {
	printedHeader := false
	for _, result := range results {
		if result.Succeeded() {
			continue
		}
		if !printedHeader {
			fmt.Println("\nFailures:")
			printedHeader = true
		}
		fmt.Printf("  - %s/%s: %s\n", result.Namespace, result.Secret, result.FailureReason)
		if len(result.Workloads) > 0 {
			fmt.Printf("    workloads: %s\n", strings.Join(result.Workloads, ", "))
		}
	}
	if printedHeader {
		fmt.Println("\nLegend: COMPLETED=new credential live everywhere, ROLLED_BACK=old credential restored after a failure, FAILED=rollback also failed and the secret needs attention.")
	}
}
