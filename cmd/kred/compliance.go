// compliance.go wires 'kred compliance': one-shot scans, the continuous
// monitor, and the trend/diff views over recorded history.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubekattle/kred/internal/compliance"
	"github.com/kubekattle/kred/internal/eventstream"
	"github.com/kubekattle/kred/internal/kube"
	"github.com/kubekattle/kred/internal/logging"
	"github.com/kubekattle/kred/pkg/api"
	"github.com/kubekattle/kred/pkg/lifecycle"
)

func newComplianceCommand(kubeconfig, kubeContext, logLevel *string) (*cobra.Command, []*cobra.Command) {
	var historyDB string
	cmd := &cobra.Command{
		Use:           "compliance",
		Short:         "Audit secret age, workload hardening, and service exposure",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&historyDB, "history-db", "", "SQLite file scans are recorded to (defaults to the per-user config dir)")

	scanCmd := newComplianceScanCommand(kubeconfig, kubeContext, logLevel, &historyDB)
	watchCmd := newComplianceWatchCommand(kubeconfig, kubeContext, logLevel, &historyDB)
	trendCmd := newComplianceTrendCommand(&historyDB)
	diffCmd := newComplianceDiffCommand(&historyDB)
	cmd.AddCommand(scanCmd, watchCmd, trendCmd, diffCmd)
	decorateCommandHelp(cmd, "Compliance Flags")
	return cmd, []*cobra.Command{scanCmd, watchCmd, trendCmd, diffCmd}
}

func newComplianceScanCommand(kubeconfig, kubeContext, logLevel, historyDB *string) *cobra.Command {
	var (
		namespace  string
		policyPath string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a namespace once and print the report",
		Long: `Scan reads the namespace's secrets, deployments, and services, grades each
against the compliance policy, and prints the report. Every scan is recorded
to the history database so 'kred compliance trend' and 'diff' can compare
postures over time. Scans never mutate the cluster.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q (expected table or json)", output)
			}
			ctx := cmd.Context()
			logger, err := logging.New(*logLevel)
			if err != nil {
				return err
			}
			kubeClient, err := kube.New(ctx, *kubeconfig, *kubeContext)
			if err != nil {
				return err
			}
			if namespace == "" {
				namespace = kubeClient.Namespace
			}
			if namespace == "" {
				namespace = "default"
			}
			engine, err := lifecycle.New(kubeClient.Clientset, kubeClient.Metrics, lifecycle.Options{
				Logger:      logger,
				PolicyPath:  policyPath,
				HistoryPath: *historyDB,
			})
			if err != nil {
				return err
			}
			report, err := engine.ScanCompliance(ctx, namespace)
			if err != nil {
				return err
			}
			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			compliance.PrintReport(report)
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace to scan (defaults to current context)")
	cmd.Flags().StringVar(&policyPath, "policy", "", "Compliance policy file (defaults to built-in thresholds)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	decorateCommandHelp(cmd, "Scan Flags")
	return cmd
}

func newComplianceWatchCommand(kubeconfig, kubeContext, logLevel, historyDB *string) *cobra.Command {
	var (
		namespace    string
		policyPath   string
		interval     time.Duration
		wsListenAddr string
	)
	cmd := &cobra.Command{
		Use:           "watch",
		Short:         "Rescan on an interval and stream each report",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := logging.New(*logLevel)
			if err != nil {
				return err
			}
			kubeClient, err := kube.New(ctx, *kubeconfig, *kubeContext)
			if err != nil {
				return err
			}
			if namespace == "" {
				namespace = kubeClient.Namespace
			}
			if namespace == "" {
				namespace = "default"
			}
			engine, err := lifecycle.New(kubeClient.Clientset, kubeClient.Metrics, lifecycle.Options{
				Logger:      logger,
				Namespace:   namespace,
				PolicyPath:  policyPath,
				HistoryPath: *historyDB,
			})
			if err != nil {
				return err
			}
			var wsServer *eventstream.Server
			if wsListenAddr != "" {
				wsServer = eventstream.New(wsListenAddr, logger.WithName("eventstream"))
				if err := startEventServer(ctx, wsServer, "compliance event stream", logger, cmd.ErrOrStderr()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Serving compliance events on ws://%s/ws\n", wsListenAddr)
			}
			sinks := []func(*api.Report){
				func(report *api.Report) {
					compliance.PrintReport(report)
				},
			}
			if wsServer != nil {
				sinks = append(sinks, func(report *api.Report) {
					wsServer.Publish(eventstream.ScanFrame(report))
					for _, frame := range eventstream.CriticalFrames(report) {
						wsServer.Publish(frame)
					}
				})
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Watching namespace %s (scanning every %s, Ctrl+C to stop)\n", namespace, interval)
			if err := engine.RunComplianceMonitor(ctx, namespace, interval, sinks...); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace to scan (defaults to current context)")
	cmd.Flags().StringVar(&policyPath, "policy", "", "Compliance policy file (defaults to built-in thresholds)")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Minute, "How often to rescan")
	cmd.Flags().StringVar(&wsListenAddr, "ws-listen", "", "Mirror scan summaries to websocket clients on this address (e.g. 127.0.0.1:9444)")
	decorateCommandHelp(cmd, "Watch Flags")
	return cmd
}

func newComplianceTrendCommand(historyDB *string) *cobra.Command {
	var (
		days   int
		output string
	)
	cmd := &cobra.Command{
		Use:           "trend",
		Short:         "Show how recorded scans evolved over time",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q (expected table or json)", output)
			}
			entries, err := compliance.NewHistory(*historyDB).Trend(days)
			if err != nil {
				return err
			}
			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			compliance.PrintTrend(entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "Trailing window in days (0 shows everything recorded)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	decorateCommandHelp(cmd, "Trend Flags")
	return cmd
}

func newComplianceDiffCommand(historyDB *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "diff",
		Short:         "Compare the two most recent recorded scans",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := compliance.DiffLatest(compliance.NewHistory(*historyDB))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	decorateCommandHelp(cmd, "Diff Flags")
	return cmd
}
