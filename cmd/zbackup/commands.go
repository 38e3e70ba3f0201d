package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/backup"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/job"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/restore"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/task"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/version"
)

// newRootCmd returns the root command. Results go to stdout as JSON; logs
// go to stderr.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           version.Name,
		Short:         "Incremental ZFS snapshot backup and restore",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	cmd.AddCommand(
		newVersionCmd(stdout),
		newProvidersCmd(stdout),
		newJobCmd(stdout),
		newSyncCmd(stdout),
		newQueryCmd(stdout),
		newRestoreCmd(stdout),
	)
	return cmd
}

// args wraps a cobra argument validator so its errors count as usage errors.
func args(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := v(cmd, a); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// withApp loads config, wires the services and runs fn.
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		return fn(cmd, a, args)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  args(cobra.NoArgs),
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(stdout, version.Info())
		},
	}
}

// providerList is the output of "zbackup providers". Available backends are
// compiled in; configured ones are enabled by BACKUP_PROVIDERS.
type providerList struct {
	Configured []string `json:"configured"`
	Available  []string `json:"available"`
}

func newProvidersCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the configured and available backup providers",
		Args:  args(cobra.NoArgs),
		RunE: withApp(func(_ *cobra.Command, a *app, _ []string) error {
			return writeJSON(stdout, providerList{
				Configured: a.providers.Names(),
				Available:  provider.Registered(),
			})
		}),
	}
}

func newJobCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage backup job definitions",
	}
	cmd.AddCommand(
		newJobCreateCmd(stdout),
		newJobUpdateCmd(stdout),
		newJobDeleteCmd(stdout),
		newJobGetCmd(stdout),
		newJobListCmd(stdout),
	)
	return cmd
}

func toProperties(m map[string]string) provider.Properties {
	if len(m) == 0 {
		return nil
	}
	props := provider.Properties{}
	for k, v := range m {
		props[k] = v
	}
	return props
}

func newJobCreateCmd(stdout io.Writer) *cobra.Command {
	var (
		j     job.Job
		comp  string
		props map[string]string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup job",
		Args:  args(cobra.NoArgs),
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			j.Compression = job.Compression(strings.ToUpper(comp))
			j.Properties = toProperties(props)
			created, err := a.jobs.Create(cmd.Context(), j)
			if err != nil {
				return err
			}
			return writeJSON(stdout, created)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&j.ID, "id", "", "job id (generated when empty)")
	f.StringVar(&j.Name, "name", "", "unique job name")
	f.StringVar(&j.Provider, "provider", "", "provider name (see 'providers')")
	f.StringVar(&j.Dataset, "dataset", "", "source dataset")
	f.BoolVar(&j.Recursive, "recursive", false, "include child datasets")
	f.StringVar(&comp, "compression", string(job.CompressionNone), "stream compression: NONE or GZIP")
	f.StringToStringVar(&props, "prop", nil, "provider property key=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func newJobUpdateCmd(stdout io.Writer) *cobra.Command {
	var (
		name, prov, dataset, comp string
		recursive                 bool
		props                     map[string]string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a backup job",
		Args:  args(cobra.ExactArgs(1)),
		RunE: withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			var p job.Patch
			f := cmd.Flags()
			if f.Changed("name") {
				p.Name = &name
			}
			if f.Changed("provider") {
				p.Provider = &prov
			}
			if f.Changed("dataset") {
				p.Dataset = &dataset
			}
			if f.Changed("recursive") {
				p.Recursive = &recursive
			}
			if f.Changed("compression") {
				c := job.Compression(strings.ToUpper(comp))
				p.Compression = &c
			}
			if f.Changed("prop") {
				p.Properties = toProperties(props)
			}
			updated, err := a.jobs.Update(cmd.Context(), argv[0], p)
			if err != nil {
				return err
			}
			return writeJSON(stdout, updated)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "new job name")
	f.StringVar(&prov, "provider", "", "provider (cannot be changed)")
	f.StringVar(&dataset, "dataset", "", "dataset (cannot be changed)")
	f.BoolVar(&recursive, "recursive", false, "include child datasets")
	f.StringVar(&comp, "compression", "", "stream compression: NONE or GZIP")
	f.StringToStringVar(&props, "prop", nil, "replace provider properties with key=value pairs")
	return cmd
}

func newJobDeleteCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup job (remote data is kept)",
		Args:  args(cobra.ExactArgs(1)),
		RunE: withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			if err := a.jobs.Delete(cmd.Context(), argv[0]); err != nil {
				return err
			}
			return writeJSON(stdout, map[string]string{"deleted": argv[0]})
		}),
	}
}

func newJobGetCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a backup job",
		Args:  args(cobra.ExactArgs(1)),
		RunE: withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			j, err := a.jobs.Get(cmd.Context(), argv[0])
			if err != nil {
				return err
			}
			return writeJSON(stdout, j)
		}),
	}
}

func newJobListCmd(stdout io.Writer) *cobra.Command {
	var (
		prov   string
		params job.Params
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup jobs",
		Args:  args(cobra.NoArgs),
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var f job.Filter
			if prov != "" {
				f = job.ByProvider(strings.ToLower(prov))
			}
			jobs, err := a.jobs.Query(cmd.Context(), f, params)
			if err != nil {
				return err
			}
			return writeJSON(stdout, jobs)
		}),
	}
	f := cmd.Flags()
	f.StringVar(&prov, "provider", "", "only jobs of this provider")
	f.StringVar(&params.SortBy, "sort", "id", "sort key: id, name, provider or dataset")
	f.BoolVar(&params.Desc, "desc", false, "sort descending")
	f.IntVar(&params.Offset, "offset", 0, "skip the first n jobs")
	f.IntVar(&params.Limit, "limit", 0, "return at most n jobs (0 = all)")
	return cmd
}

func newSyncCmd(stdout io.Writer) *cobra.Command {
	var noSnapshot, dryRun bool
	cmd := &cobra.Command{
		Use:   "sync <id>",
		Short: "Send new snapshots of a job to its provider",
		Args:  args(cobra.ExactArgs(1)),
		RunE: withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			res, err := a.sync.Sync(cmd.Context(), argv[0], backup.Options{
				Snapshot: !noSnapshot,
				DryRun:   dryRun,
				Progress: task.LogProgress{Action: "sync", Job: argv[0]},
			})
			if err != nil {
				return err
			}
			if dryRun {
				return writeJSON(stdout, res.Actions)
			}
			return writeJSON(stdout, res)
		}),
	}
	cmd.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "do not take a snapshot before syncing")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the planned actions without transferring")
	return cmd
}

func newQueryCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "query <id>",
		Short: "Print the remote manifest of a job",
		Args:  args(cobra.ExactArgs(1)),
		RunE: withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			m, err := a.query.Manifest(cmd.Context(), argv[0])
			if err != nil {
				return err
			}
			return writeJSON(stdout, m)
		}),
	}
}

func newRestoreCmd(stdout io.Writer) *cobra.Command {
	var opt restore.Options
	cmd := &cobra.Command{
		Use:   "restore <id>",
		Short: "Rebuild a dataset hierarchy from a job's backups",
		Args:  args(cobra.ExactArgs(1)),
		RunE: withApp(func(cmd *cobra.Command, a *app, argv []string) error {
			opt.Progress = task.LogProgress{Action: "restore", Job: argv[0]}
			res, err := a.restore.Run(cmd.Context(), argv[0], opt)
			if err != nil {
				return err
			}
			return writeJSON(stdout, res)
		}),
	}
	cmd.Flags().StringVar(&opt.Dataset, "dataset", "", "target dataset (default: the backed up dataset)")
	cmd.Flags().StringVar(&opt.StopSnapshot, "snapshot", "", "stop each chain at this snapshot")
	return cmd
}
