// Package local stores backup objects in a directory on the local host.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
)

const (
	Name = "local"
	Type = "backup-local"
)

// Ensure Provider implements provider.Provider at compile time.
var _ provider.Provider = (*Provider)(nil)

// Settings are the job properties understood by this backend.
type Settings struct {
	Path string `json:"path"`
}

// Provider writes each object to <path>/<name>. Objects are written to a
// hidden temporary file first and renamed into place once complete.
type Provider struct {
	root string
}

// New creates a local provider; relative paths resolve against root.
func New(root string) *Provider {
	return &Provider{root: root}
}

func init() {
	provider.Register(Name, func(cfg config.Config) (provider.Provider, error) {
		return New(cfg.Local.Root), nil
	})
}

func (p *Provider) Name() string { return Name }

func (p *Provider) settings(props provider.Properties) (Settings, error) {
	var s Settings
	if err := provider.Decode(props, &s); err != nil {
		return s, errs.Wrap(err, errs.InvalidArgument, "local")
	}
	if strings.TrimSpace(s.Path) == "" {
		return s, errs.InvalidArgumentf("local: property %q is required", "path")
	}
	if !filepath.IsAbs(s.Path) && p.root != "" {
		s.Path = filepath.Join(p.root, s.Path)
	}
	return s, nil
}

func objectPath(dir, name string) (string, error) {
	if name == "" || filepath.Base(name) != name || strings.HasPrefix(name, ".") {
		return "", errs.InvalidArgumentf("local: invalid object name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// Init defaults the path to <root>/<job name> and creates the directory.
func (p *Provider) Init(_ context.Context, t provider.Target) (provider.Properties, error) {
	props := t.Properties
	if props == nil {
		props = provider.Properties{}
	}
	if v, _ := props["path"].(string); strings.TrimSpace(v) == "" {
		if p.root == "" {
			return nil, errs.InvalidArgumentf("local: property %q is required when LOCAL_BACKUP_ROOT is unset", "path")
		}
		props = provider.Properties{"path": t.Name}
	}
	s, err := p.settings(props)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.Path, 0o750); err != nil {
		return nil, fmt.Errorf("local: create %s: %w", s.Path, err)
	}
	log.Info().Str("action", "local_init").Str("path", s.Path).Msg("backup directory ready")
	return provider.Encode(Type, s)
}

func (p *Provider) List(_ context.Context, props provider.Properties) ([]provider.File, error) {
	s, err := p.settings(props)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFoundf("local: directory %s does not exist", s.Path)
		}
		return nil, fmt.Errorf("local: list %s: %w", s.Path, err)
	}
	files := make([]provider.File, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("local: stat %s: %w", e.Name(), err)
		}
		files = append(files, provider.File{Name: e.Name(), Size: info.Size()})
	}
	return files, nil
}

func (p *Provider) Get(_ context.Context, props provider.Properties, name string, w io.Writer) error {
	s, err := p.settings(props)
	if err != nil {
		return err
	}
	path, err := objectPath(s.Path, name)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errs.NotFoundf("local: object %s not found", name)
		}
		return fmt.Errorf("local: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("local: read %s: %w", path, err)
	}
	return nil
}

func (p *Provider) Put(_ context.Context, props provider.Properties, name string, r io.Reader) error {
	s, err := p.settings(props)
	if err != nil {
		return err
	}
	path, err := objectPath(s.Path, name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Path, "."+name+".*.partial")
	if err != nil {
		return fmt.Errorf("local: create temp for %s: %w", name, err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	n, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return fmt.Errorf("local: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("local: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("local: close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("local: rename %s: %w", name, err)
	}
	log.Debug().Str("action", "local_put").Str("path", path).Int64("bytes", n).Msg("object stored")
	return nil
}
