// Package memory keeps backup objects in process memory. It backs dry runs
// and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
)

const (
	Name = "memory"
	Type = "backup-memory"
)

var _ provider.Provider = (*Provider)(nil)

type Settings struct {
	Bucket string `json:"bucket"`
}

// Provider stores objects per bucket. An object becomes visible only once
// its Put has consumed the whole stream.
type Provider struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte

	// FailPut, when set, is consulted before each Put.
	FailPut func(name string) error
	// FailList, when set, is returned by List.
	FailList error
}

func New() *Provider {
	return &Provider{buckets: map[string]map[string][]byte{}}
}

func init() {
	provider.Register(Name, func(config.Config) (provider.Provider, error) {
		return New(), nil
	})
}

func (p *Provider) Name() string { return Name }

func bucket(props provider.Properties) (string, error) {
	var s Settings
	if err := provider.Decode(props, &s); err != nil {
		return "", errs.Wrap(err, errs.InvalidArgument, "memory")
	}
	if strings.TrimSpace(s.Bucket) == "" {
		return "", errs.InvalidArgumentf("memory: property %q is required", "bucket")
	}
	return s.Bucket, nil
}

// Init defaults the bucket to the job name.
func (p *Provider) Init(_ context.Context, t provider.Target) (provider.Properties, error) {
	s := Settings{Bucket: t.Name}
	if t.Properties != nil {
		if v, ok := t.Properties["bucket"].(string); ok && v != "" {
			s.Bucket = v
		}
	}
	if s.Bucket == "" {
		return nil, errs.InvalidArgumentf("memory: bucket or job name required")
	}
	return provider.Encode(Type, s)
}

func (p *Provider) List(_ context.Context, props provider.Properties) ([]provider.File, error) {
	b, err := bucket(props)
	if err != nil {
		return nil, err
	}
	if p.FailList != nil {
		return nil, p.FailList
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	files := make([]provider.File, 0, len(p.buckets[b]))
	for name, data := range p.buckets[b] {
		files = append(files, provider.File{Name: name, Size: int64(len(data))})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (p *Provider) Get(_ context.Context, props provider.Properties, name string, w io.Writer) error {
	b, err := bucket(props)
	if err != nil {
		return err
	}
	p.mu.Lock()
	data, ok := p.buckets[b][name]
	p.mu.Unlock()
	if !ok {
		return errs.NotFoundf("memory: object %s not found in %s", name, b)
	}
	_, err = w.Write(data)
	return err
}

func (p *Provider) Put(_ context.Context, props provider.Properties, name string, r io.Reader) error {
	b, err := bucket(props)
	if err != nil {
		return err
	}
	if p.FailPut != nil {
		if err := p.FailPut(name); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return fmt.Errorf("memory: read %s: %w", name, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buckets[b] == nil {
		p.buckets[b] = map[string][]byte{}
	}
	p.buckets[b][name] = buf.Bytes()
	return nil
}

// Object returns a stored object.
func (p *Provider) Object(bucketName, name string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.buckets[bucketName][name]
	return data, ok
}

// SetObject stores data directly, bypassing Put.
func (p *Provider) SetObject(bucketName, name string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buckets[bucketName] == nil {
		p.buckets[bucketName] = map[string][]byte{}
	}
	p.buckets[bucketName][name] = data
}
