// render.go formats compliance reports into the tables used by
// 'kred compliance scan' and 'kred compliance trend'.
package compliance

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/kubekattle/kred/pkg/api"
)

// PrintReport renders the three finding tables plus the overall grade.
func PrintReport(report *api.Report) {
	fmt.Printf("Compliance for namespace %s at %s: overall %s\n",
		report.Namespace,
		report.GeneratedAt.Format(time.RFC3339),
		colorizeOverall(report.Overall))

	if len(report.Secrets) > 0 {
		fmt.Println("\nSecrets:")
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tLEVEL\tAGE\tPOLICY\tROTATIONS\tSTATUS")
		for _, secret := range report.Secrets {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				secret.Name,
				dash(secret.Kind),
				dash(string(secret.SecurityLevel)),
				formatAge(secret),
				formatPolicy(secret.RotationPolicyDays),
				secret.RotationCount,
				colorizeSecretStatus(secret.Status),
			)
		}
		_ = tw.Flush()
	} else {
		fmt.Println("\nNo managed secrets found.")
	}

	if len(report.Workloads) > 0 {
		fmt.Println("\nWorkloads:")
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tREADY\tSCORE\tCPU\tMEMORY\tNOTES")
		for _, workload := range report.Workloads {
			fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\t%s\t%s\n",
				workload.Name,
				workload.ReadyReplicas,
				workload.DesiredReplicas,
				colorizeScore(workload.HardeningScore),
				dash(workload.CPUUsage),
				dash(workload.MemoryUsage),
				dash(strings.Join(workload.Notes, "; ")),
			)
		}
		_ = tw.Flush()
	}

	if len(report.Services) > 0 {
		fmt.Println("\nServices:")
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tEXPOSURE\tDATA-TIER\tFINDING")
		for _, svc := range report.Services {
			finding := "-"
			if svc.Critical {
				finding = colorizeCritical(svc.Reason)
			}
			fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", svc.Name, svc.Exposure, svc.DataTier, finding)
		}
		_ = tw.Flush()
	}

	fmt.Println("\nLegend: SECURE=within policy, WARNING=approaching rotation deadline, OVERDUE=past deadline; score 5 means fully hardened.")
}

// PrintTrend renders stored scan summaries newest-first.
func PrintTrend(entries []TrendEntry) {
	if len(entries) == 0 {
		fmt.Println("No scans recorded in the selected window.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tNAMESPACE\tOVERALL\tSECRETS (S/W/O)\tAVG SCORE\tCRITICAL")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d/%d\t%.1f\t%d\n",
			entry.GeneratedAt.Local().Format("2006-01-02 15:04"),
			entry.Namespace,
			colorizeOverall(entry.Overall),
			entry.Summary.SecretsSecure,
			entry.Summary.SecretsWarning,
			entry.Summary.SecretsOverdue,
			entry.Summary.AverageHardeningScore,
			entry.Summary.CriticalFindings,
		)
	}
	_ = tw.Flush()
	fmt.Println("\nLegend: S/W/O = secure/warning/overdue secret counts per scan.")
}

func colorizeOverall(status api.OverallStatus) string {
	text := string(status)
	if color.NoColor {
		return text
	}
	switch status {
	case api.OverallExcellent:
		return color.New(color.FgHiGreen).Sprint(text)
	case api.OverallGood:
		return color.New(color.FgGreen).Sprint(text)
	case api.OverallWarning:
		return color.New(color.FgYellow).Sprint(text)
	case api.OverallCritical:
		return color.New(color.FgHiRed).Sprint(text)
	default:
		return text
	}
}

func colorizeSecretStatus(status api.SecretStatus) string {
	text := string(status)
	if color.NoColor {
		return text
	}
	switch status {
	case api.SecretSecure:
		return color.New(color.FgGreen).Sprint(text)
	case api.SecretWarning:
		return color.New(color.FgYellow).Sprint(text)
	case api.SecretOverdue:
		return color.New(color.FgHiRed).Sprint(text)
	default:
		return text
	}
}

func colorizeScore(score int) string {
	text := fmt.Sprintf("%d/5", score)
	if color.NoColor {
		return text
	}
	switch {
	case score >= 4:
		return color.New(color.FgGreen).Sprint(text)
	case score >= 3:
		return color.New(color.FgYellow).Sprint(text)
	default:
		return color.New(color.FgHiRed).Sprint(text)
	}
}

func colorizeCritical(text string) string {
	if color.NoColor {
		return text
	}
	return color.New(color.FgHiRed).Sprint(text)
}

func formatAge(secret api.SecretFinding) string {
	if secret.LastRotatedAt.IsZero() {
		return "never rotated"
	}
	return fmt.Sprintf("%.1fd", secret.AgeDays)
}

func formatPolicy(days int) string {
	if days <= 0 {
		return "-"
	}
	return fmt.Sprintf("%dd", days)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
