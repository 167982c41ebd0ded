// main.go bootstraps kred: it builds the root Cobra command and executes it
// with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(err)
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var kubeconfigPath string
	var kubeContext string
	var noColor bool
	logLevel := "info"
	cmd := &cobra.Command{
		Use:           "kred",
		Short:         "Automated secret lifecycle and security compliance for Kubernetes",
		Long:          "kred generates credentials, stores them as cluster Secrets, rotates them with zero downtime across dependent workloads, and continuously audits the resulting security posture.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor || os.Getenv("NO_COLOR") != "" || !isTerminalWriter(cmd.OutOrStdout()) {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&kubeconfigPath, "kubeconfig", "k", "", "Path to the kubeconfig file to use for CLI requests")
	cmd.PersistentFlags().StringVarP(&kubeContext, "context", "K", "", "Name of the kubeconfig context to use")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level for kred output (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	deployCmd := newDeployCommand(&kubeconfigPath, &kubeContext, &logLevel)
	rotateCmd := newRotateCommand(&kubeconfigPath, &kubeContext, &logLevel)
	complianceCmd, complianceSubs := newComplianceCommand(&kubeconfigPath, &kubeContext, &logLevel)
	cmd.AddCommand(
		deployCmd,
		rotateCmd,
		complianceCmd,
		newVersionCommand(),
	)
	cmd.Example = `  # Provision the hardened stack described by a manifest
  kred deploy -f stack.yaml --seed-config seeds.yaml

  # Rotate every managed secret that exceeded its policy age
  kred rotate --namespace prod-payments

  # Rotate one secret right now and watch the workloads ride through it
  kred rotate --namespace prod-payments --secret db-credentials

  # Run the continuous rotation loop with live metrics
  kred rotate --namespace prod-payments --watch --metrics-listen :9090

  # Audit the namespace and compare against the previous scan
  kred compliance scan --namespace prod-payments
  kred compliance diff --namespace prod-payments`
	decorateCommandHelp(cmd, "Global Flags")
	bound := []*cobra.Command{cmd, deployCmd, rotateCmd, complianceCmd}
	bound = append(bound, complianceSubs...)
	bindViper(bound...)
	return cmd
}

// bindViper lets every flag also be set via KRED_* environment variables or a
// config file, without overriding anything passed explicitly on the command
// line.
func bindViper(commands ...*cobra.Command) {
	if len(commands) == 0 {
		return
	}
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("KRED")
	v.AutomaticEnv()
	configFile := os.Getenv("KRED_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			flagSets := []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()}
			for _, fs := range flagSets {
				fs.VisitAll(func(f *pflag.Flag) {
					if f.Changed {
						return
					}
					if !v.IsSet(f.Name) {
						return
					}
					val := fmt.Sprintf("%v", v.Get(f.Name))
					if val != "" {
						_ = f.Value.Set(val)
					}
				})
			}
		}
	})
}

func handleError(err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("%s\nHint: the cluster did not settle in time. Raise --wait-timeout (deploy) or --verify-timeout (rotate) and check rollout status with kubectl.", err)
	case apierrors.IsUnauthorized(err):
		message = fmt.Sprintf("%s\nHint: kubeconfig credentials were rejected. Run 'kubectl config view' to confirm the active user.", err)
	case apierrors.IsForbidden(err):
		message = fmt.Sprintf("%s\nHint: missing Kubernetes permissions. See docs/rbac.md for the verbs kred requires.", err)
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "kred"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "kred"))
		add(filepath.Join(home, ".kred"))
	}
	return dirs
}
