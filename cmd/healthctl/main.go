// Command healthctl is the operator CLI for the healthcare agent: it talks
// to a running agent, inspects the tool gateway and manages the
// HealthScribe workflow.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "healthcare-agent/internal/config"
)

func main() {
	if err := appconfig.LoadDotEnv(""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "healthctl",
		Short:         "Operate the healthcare agent and its document pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newInvokeCommand())
	cmd.AddCommand(newPingCommand())
	cmd.AddCommand(newToolsCommand())
	cmd.AddCommand(newWorkflowCommand())
	cmd.AddCommand(newRecordsCommand())
	return cmd
}

// stringSetting resolves a flag that may also come from the environment.
// An explicitly set flag wins.
func stringSetting(cmd *cobra.Command, flag, env string) (string, error) {
	v := viper.New()
	if err := v.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
		return "", fmt.Errorf("bind --%s: %w", flag, err)
	}
	if err := v.BindEnv(flag, env); err != nil {
		return "", fmt.Errorf("bind %s: %w", env, err)
	}
	return v.GetString(flag), nil
}

func requiredSetting(cmd *cobra.Command, flag, env string) (string, error) {
	s, err := stringSetting(cmd, flag, env)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("--%s or %s is required", flag, env)
	}
	return s, nil
}
