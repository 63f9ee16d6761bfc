package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clusterrunner/reposync/internal/config"
	"github.com/clusterrunner/reposync/internal/log"
	"github.com/clusterrunner/reposync/internal/reposync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type options struct {
	configPath      string
	metricsTextfile string
	spec            reposync.RemoteSpec
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "clusterrunner-sync",
		Short:         "Synchronize project checkouts of cluster nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the TOML configuration file")

	root.AddCommand(
		newFetchCmd(opts),
		newExecCmd(opts),
		newPathsCmd(opts),
		newVersionCmd(),
	)

	return root
}

func addRemoteFlags(cmd *cobra.Command, opts *options) {
	cmd.Flags().StringVar(&opts.spec.URL, "url", "", "URL of the remote repository")
	cmd.Flags().StringVar(&opts.spec.RemoteName, "remote", reposync.DefaultRemoteName, "name of the remote to fetch from")
	cmd.Flags().StringVar(&opts.spec.Ref, "ref", reposync.DefaultRef, "ref to fetch")
	_ = cmd.MarkFlagRequired("url")
}

func loadConfig(path string) (config.Cfg, error) {
	var (
		cfg config.Cfg
		err error
	)

	if path == "" {
		cfg, err = config.Load(strings.NewReader(""))
	} else {
		cfg, err = config.LoadFile(path)
	}
	if err != nil {
		return config.Cfg{}, fmt.Errorf("load config: %w", err)
	}

	if err := log.Configure(log.Loggers, cfg.Logging.Format, cfg.Logging.Level); err != nil {
		return config.Cfg{}, err
	}

	return cfg, nil
}

func (opts *options) newSync(extra ...reposync.Option) (config.Cfg, *reposync.Sync, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return config.Cfg{}, nil, err
	}

	s, err := reposync.New(cfg, opts.spec, extra...)
	if err != nil {
		return config.Cfg{}, nil, err
	}

	return cfg, s, nil
}

func newFetchCmd(opts *options) *cobra.Command {
	var printOverrides bool

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Clone or update the checkout of a remote ref",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			metrics := reposync.NewMetrics(cfg.Prometheus)
			s, err := reposync.New(cfg, opts.spec, reposync.WithMetrics(metrics))
			if err != nil {
				return err
			}

			fetchErr := s.FetchProject(cmd.Context())

			if opts.metricsTextfile != "" {
				registry := prometheus.NewRegistry()
				registry.MustRegister(metrics)
				if err := prometheus.WriteToTextfile(opts.metricsTextfile, registry); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}

			if fetchErr != nil {
				return fetchErr
			}

			if !printOverrides {
				fmt.Fprintln(cmd.OutOrStdout(), s.Location().RepoDirectory)
				return nil
			}

			overrides, err := s.SlaveParamOverrides(cmd.Context())
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(overrides)
		},
	}

	addRemoteFlags(cmd, opts)
	cmd.Flags().BoolVar(&printOverrides, "overrides", false, "print the worker parameter overrides as JSON")
	cmd.Flags().StringVar(&opts.metricsTextfile, "metrics-textfile", "", "write sync metrics in the Prometheus text format to this file")

	return cmd
}

func newExecCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec --url URL -- COMMAND [ARG...]",
		Short: "Run a shell command inside the checkout",
		Long: `Run a shell command inside the checkout.

A single argument is handed to the shell as a complete command line, so
pipes and redirections work. Several arguments are quoted one by one and
run as a plain command with those exact arguments.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := opts.newSync()
			if err != nil {
				return err
			}

			result, err := s.Runner().ExecuteInProject(cmd.Context(), shellCommandLine(args))
			if err != nil {
				return err
			}

			if _, err := cmd.OutOrStdout().Write(result.Stdout); err != nil {
				return err
			}
			if _, err := cmd.ErrOrStderr().Write(result.Stderr); err != nil {
				return err
			}

			if !result.Success() {
				return &exitStatusError{status: result.ExitCode}
			}

			return nil
		},
	}

	addRemoteFlags(cmd, opts)

	return cmd
}

// shellCommandLine renders args as one command line for sh -c.
func shellCommandLine(args []string) string {
	if len(args) == 1 {
		return args[0]
	}

	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		quoted = append(quoted, shellQuote(arg))
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func newPathsCmd(opts *options) *cobra.Command {
	var suite string

	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print where the checkout and its timing data live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, s, err := opts.newSync()
			if err != nil {
				return err
			}

			location := s.Location()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "repo_directory=%s\n", location.RepoDirectory)
			fmt.Fprintf(out, "exists=%t\n", location.Exists)
			fmt.Fprintf(out, "shallow=%t\n", location.IsShallow)
			if suite != "" {
				fmt.Fprintf(out, "timing_file=%s\n", s.TimingFilePath(suite))
			}

			return nil
		},
	}

	addRemoteFlags(cmd, opts)
	cmd.Flags().StringVar(&suite, "suite", "", "test suite whose timing file to print")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}
