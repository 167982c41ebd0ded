// deploy.go wires 'kred deploy': it provisions the hardened stack a manifest
// describes, generating credentials for any secret the cluster does not have
// yet.
package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubekattle/kred/internal/kube"
	"github.com/kubekattle/kred/internal/logging"
	"github.com/kubekattle/kred/internal/stack"
	"github.com/kubekattle/kred/pkg/lifecycle"
)

func newDeployCommand(kubeconfig, kubeContext, logLevel *string) *cobra.Command {
	var (
		manifestPath string
		seedConfig   string
		waitTimeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Provision a hardened stack with generated credentials",
		Long: `Deploy reads a stack manifest, creates any missing secrets with freshly
generated values (or values imported through --seed-config), and applies
hardened Deployments and Services for every component. Re-running a deploy is
safe: live credentials are never replaced, and unchanged components are left
alone. Rotation is the only operation that swaps secret values.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := logging.New(*logLevel)
			if err != nil {
				return err
			}
			manifest, err := stack.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			kubeClient, err := kube.New(ctx, *kubeconfig, *kubeContext)
			if err != nil {
				return err
			}
			engine, err := lifecycle.New(kubeClient.Clientset, kubeClient.Metrics, lifecycle.Options{
				Logger:            logger,
				SeedConfigPath:    seedConfig,
				DeployWaitTimeout: waitTimeout,
			})
			if err != nil {
				return err
			}
			result, err := engine.DeploySecureStack(ctx, manifest)
			if err != nil {
				return err
			}
			stack.PrintResult(result)
			fmt.Fprintf(cmd.ErrOrStderr(), "Stack %q deployed to namespace %s\n", manifest.Stack, manifest.Namespace)
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Path to the stack manifest")
	cmd.Flags().StringVar(&seedConfig, "seed-config", "", "Seed provider config for importing existing credential values")
	cmd.Flags().DurationVar(&waitTimeout, "wait-timeout", 5*time.Minute, "How long to wait for rollouts to become ready (0 skips the wait)")
	_ = cmd.MarkFlagRequired("file")
	decorateCommandHelp(cmd, "Deploy Flags")
	return cmd
}
