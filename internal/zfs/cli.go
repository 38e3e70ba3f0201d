package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
)

// Snapshot user properties set by SnapshotDataset.
const (
	PropLifetime   = "io.zbackup:lifetime"
	PropReplicable = "io.zbackup:replicable"
)

// Runner executes the zfs binary.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Bin string
}

func (r ExecRunner) Run(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) error {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	log.Debug().
		Str("action", "zfs_exec").
		Strs("args", args).
		Dur("elapsed_ms", time.Since(start)).
		Err(err).
		Msg("zfs command finished")
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "does not exist") {
			return errs.Wrap(err, errs.NotFound, msg)
		}
		if strings.Contains(msg, "already exists") {
			return errs.Wrap(err, errs.AlreadyExists, msg)
		}
		return fmt.Errorf("zfs %s: %w: %s", args[0], err, msg)
	}
	return nil
}

// CLI implements Filesystem on top of the zfs command line tool.
type CLI struct {
	run Runner
	now func() time.Time
}

// NewCLI returns a CLI using bin (usually "zfs").
func NewCLI(bin string) *CLI {
	return &CLI{run: ExecRunner{Bin: bin}, now: time.Now}
}

// NewCLIWithRunner is used by tests to script command output.
func NewCLIWithRunner(r Runner, now func() time.Time) *CLI {
	if now == nil {
		now = time.Now
	}
	return &CLI{run: r, now: now}
}

func (c *CLI) output(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	if err := c.run.Run(ctx, nil, &out, args...); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (c *CLI) Snapshot(ctx context.Context, name string) (Snapshot, error) {
	out, err := c.output(ctx, "list", "-Hp", "-t", "snapshot", "-o", "name,creation,createtxg,guid", name)
	if err != nil {
		return Snapshot{}, err
	}
	snaps, err := parseSnapshotList(out)
	if err != nil {
		return Snapshot{}, err
	}
	if len(snaps) == 0 {
		return Snapshot{}, errs.NotFoundf("snapshot %s not found", name)
	}
	return snaps[0], nil
}

func (c *CLI) ListSnapshots(ctx context.Context, dataset string, recursive bool) ([]Snapshot, error) {
	args := []string{"list", "-Hp", "-t", "snapshot", "-o", "name,creation,createtxg,guid", "-s", "createtxg"}
	if recursive {
		args = append(args, "-r")
	} else {
		args = append(args, "-d", "1")
	}
	out, err := c.output(ctx, append(args, dataset)...)
	if err != nil {
		return nil, err
	}
	return parseSnapshotList(out)
}

// snapshotAttempts bounds the suffixed retries when a snapshot name is taken.
const snapshotAttempts = 5

// SnapshotDataset names the snapshot "<prefix>-<UTC timestamp>" with
// millisecond precision. A name already in use gets a "-<n>" suffix.
func (c *CLI) SnapshotDataset(ctx context.Context, dataset string, recursive bool, lifetime time.Duration, prefix string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		prefix = "backup"
	}
	base := fmt.Sprintf("%s@%s-%s", dataset, prefix, c.now().UTC().Format("2006-01-02T15-04-05.000Z"))

	var err error
	for i := 0; i < snapshotAttempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		args := []string{"snapshot"}
		if recursive {
			args = append(args, "-r")
		}
		args = append(args,
			"-o", fmt.Sprintf("%s=%d", PropLifetime, int64(lifetime.Seconds())),
			"-o", PropReplicable+"=yes",
			name,
		)
		err = c.run.Run(ctx, nil, io.Discard, args...)
		if err == nil {
			log.Info().Str("action", "zfs_snapshot").Str("snapshot", name).Bool("recursive", recursive).Msg("snapshot created")
			return name, nil
		}
		if !errs.Is(err, errs.AlreadyExists) {
			return "", err
		}
		log.Debug().Str("action", "zfs_snapshot").Str("snapshot", name).Msg("snapshot name taken")
	}
	return "", err
}

func sendArgs(dataset, anchor, snapshot string, dry bool) []string {
	args := []string{"send"}
	if dry {
		args = append(args, "-nP")
	}
	if anchor != "" {
		args = append(args, "-i", dataset+"@"+anchor)
	}
	return append(args, dataset+"@"+snapshot)
}

func (c *CLI) Send(ctx context.Context, dataset, anchor, snapshot string, w io.Writer) error {
	return c.run.Run(ctx, nil, w, sendArgs(dataset, anchor, snapshot, false)...)
}

// EstimateSend parses the "size" line of a dry-run parsable send.
func (c *CLI) EstimateSend(ctx context.Context, dataset, anchor, snapshot string) (int64, error) {
	out, err := c.output(ctx, sendArgs(dataset, anchor, snapshot, true)...)
	if err != nil {
		return 0, err
	}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 2 && f[0] == "size" {
			return strconv.ParseInt(f[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("zfs send -nP: no size in output")
}

func (c *CLI) Receive(ctx context.Context, dataset string, r io.Reader, force bool) error {
	args := []string{"receive"}
	if force {
		args = append(args, "-F")
	}
	return c.run.Run(ctx, r, io.Discard, append(args, dataset)...)
}

func (c *CLI) CreateDataset(ctx context.Context, dataset string) error {
	return c.run.Run(ctx, nil, io.Discard, "create", dataset)
}

// parseSnapshotList parses "name\tcreation\tcreatetxg\tguid" lines.
func parseSnapshotList(out string) ([]Snapshot, error) {
	var snaps []Snapshot
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		if len(f) != 4 {
			return nil, fmt.Errorf("zfs list: unexpected line %q", line)
		}
		creation, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("zfs list: creation of %s: %w", f[0], err)
		}
		txg, err := strconv.ParseUint(f[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("zfs list: createtxg of %s: %w", f[0], err)
		}
		snaps = append(snaps, Snapshot{
			Name:      f[0],
			Creation:  time.Unix(creation, 0).UTC(),
			CreateTXG: txg,
			GUID:      f[3],
		})
	}
	return snaps, sc.Err()
}
