package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevkit/udev"
)

const envPrefix = "UDEVCTL"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "udevctl",
		Short: "Query and monitor Linux devices through udev",
		Long: `udevctl lists devices from the udev database, prints their properties
and attributes, and follows device events.

Every flag can also be set from the environment as UDEVCTL_<FLAG>, with
dashes replaced by underscores, e.g. UDEVCTL_LISTEN=:9100.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindEnv(cmd.Flags())
		},
	}

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(
		newListCommand(),
		newInfoCommand(),
		newMonitorCommand(),
		newWatchCommand(),
		newDumpCommand(),
		newWaitCommand(),
	)
	return root
}

// bindEnv fills the flags not given on the command line from the
// environment.
func bindEnv(flags *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := flags.Set(f.Name, v.GetString(f.Name)); err != nil {
			env := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			errs = errors.Join(errs, fmt.Errorf("$%s: %w", env, err))
		}
	})
	return errs
}

func newContext() (*udev.Context, error) {
	u, err := udev.NewContext()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the device database: %w", err)
	}
	return u, nil
}
