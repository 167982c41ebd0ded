// rotate.go wires 'kred rotate': one-shot policy sweeps, targeted rotations,
// and the continuous rotation loop with its optional event and metrics
// listeners.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubekattle/kred/internal/eventstream"
	"github.com/kubekattle/kred/internal/kube"
	"github.com/kubekattle/kred/internal/logging"
	"github.com/kubekattle/kred/internal/rotation"
	"github.com/kubekattle/kred/pkg/api"
	"github.com/kubekattle/kred/pkg/lifecycle"
)

func newRotateCommand(kubeconfig, kubeContext, logLevel *string) *cobra.Command {
	var (
		namespace     string
		secretName    string
		all           bool
		force         bool
		maxConcurrent int64
		verifyTimeout time.Duration
		watch         bool
		watchInterval time.Duration
		wsListenAddr  string
		metricsAddr   string
		output        string
	)
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate managed secrets and restart dependent workloads",
		Long: `Rotate replaces the values of managed secrets and rides every dependent
workload through a verified restart. By default one sweep rotates the secrets
whose policy age has expired; --all forces every managed secret, and --secret
targets a single one immediately. A rotation that cannot verify its workloads
rolls the secret and the restarts back as a unit, so the namespace never runs
on a half-applied credential.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secretName != "" && all {
				return fmt.Errorf("--secret cannot be combined with --all")
			}
			if watch && secretName != "" {
				return fmt.Errorf("--watch cannot be combined with --secret")
			}
			if output != "table" && output != "json" {
				return fmt.Errorf("unknown output format %q (expected table or json)", output)
			}
			if watch && output == "json" {
				return fmt.Errorf("--watch cannot be combined with --output json")
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

			var wsServer *eventstream.Server
			if wsListenAddr != "" {
				wsServer = eventstream.New(wsListenAddr, logger.WithName("eventstream"))
			}
			observer := func(evt api.RotationEvent) {
				wsServer.Publish(eventstream.RotationFrame(evt))
				if watch {
					printTransition(cmd.OutOrStdout(), evt)
				}
			}
			engine, err := lifecycle.New(kubeClient.Clientset, kubeClient.Metrics, lifecycle.Options{
				Logger:          logger,
				Namespace:       namespace,
				VerifyTimeout:   verifyTimeout,
				MaxConcurrent:   maxConcurrent,
				SweepInterval:   watchInterval,
				OnRotationEvent: observer,
			})
			if err != nil {
				return err
			}
			if err := startEventServer(ctx, wsServer, "rotation event stream", logger, cmd.ErrOrStderr()); err != nil {
				return err
			}
			if wsServer != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Serving rotation events on ws://%s/ws\n", wsListenAddr)
			}
			if err := startMetricsServer(ctx, metricsAddr, engine.MetricsHandler(), logger, cmd.ErrOrStderr()); err != nil {
				return err
			}
			if metricsAddr != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Serving rotation metrics on http://%s/metrics\n", metricsAddr)
			}

			if watch {
				fmt.Fprintf(cmd.ErrOrStderr(), "Watching namespace %s (sweeping every %s, Ctrl+C to stop)\n", namespace, watchInterval)
				if err := engine.RunRotationLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			var results []api.RotationResult
			if secretName != "" {
				result, err := engine.ForceRotate(ctx, namespace, secretName)
				if err != nil {
					return err
				}
				results = []api.RotationResult{result}
			} else {
				results, err = engine.RotateSecrets(ctx, namespace, all || force)
				if err != nil {
					return err
				}
			}

			if output == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else {
				rotation.PrintResults(results)
			}

			failed := 0
			for _, result := range results {
				if !result.Succeeded() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rotations did not complete", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace to rotate (defaults to current context)")
	cmd.Flags().StringVar(&secretName, "secret", "", "Rotate this secret immediately regardless of policy age")
	cmd.Flags().BoolVar(&all, "all", false, "Rotate every managed secret regardless of policy age")
	cmd.Flags().BoolVar(&force, "force", false, "Alias for --all in a namespace sweep")
	cmd.Flags().Int64Var(&maxConcurrent, "max-concurrent", 3, "How many secrets may rotate in parallel")
	cmd.Flags().DurationVar(&verifyTimeout, "verify-timeout", 5*time.Minute, "How long to wait for restarted workloads to verify healthy")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running: sweep for due secrets on an interval")
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", time.Minute, "Sweep interval when --watch is set")
	cmd.Flags().StringVar(&wsListenAddr, "ws-listen", "", "Mirror rotation transitions to websocket clients on this address (e.g. 127.0.0.1:9444)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Serve Prometheus rotation metrics on this address (e.g. :9090)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format for one-shot results (table, json)")
	decorateCommandHelp(cmd, "Rotate Flags")
	return cmd
}

func printTransition(out io.Writer, evt api.RotationEvent) {
	ts := evt.Time.Local().Format("15:04:05")
	if evt.Note != "" {
		fmt.Fprintf(out, "%s  %s/%s  %s  (%s)\n", ts, evt.Namespace, evt.Secret, evt.State, evt.Note)
		return
	}
	fmt.Fprintf(out, "%s  %s/%s  %s\n", ts, evt.Namespace, evt.Secret, evt.State)
}
