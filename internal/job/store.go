package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
)

// Filter selects jobs. A nil Filter matches everything.
type Filter func(Job) bool

// ByName matches the job called name.
func ByName(name string) Filter {
	return func(j Job) bool { return j.Name == name }
}

// ByProvider matches jobs stored at the given provider.
func ByProvider(name string) Filter {
	return func(j Job) bool { return j.Provider == name }
}

// Params controls ordering and paging of query results.
type Params struct {
	Offset int
	Limit  int    // 0 means no limit
	SortBy string // "id", "name", "provider" or "dataset"; default "id"
	Desc   bool
}

// Store is the durable record store for job definitions.
type Store interface {
	Get(ctx context.Context, id string) (Job, bool, error)
	Insert(ctx context.Context, j Job) error
	Update(ctx context.Context, j Job) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, f Filter) (bool, error)
	Query(ctx context.Context, f Filter) ([]Job, error)
}

// MemoryStore keeps jobs in a map.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]Job{}}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

func (s *MemoryStore) Insert(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return errs.AlreadyExistsf("job %s already exists", j.ID)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) Update(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return errs.NotFoundf("job %s not found", j.ID)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return errs.NotFoundf("job %s not found", id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, f Filter) (bool, error) {
	out, err := s.Query(ctx, f)
	return len(out) > 0, err
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filter(s.jobs, f), nil
}

func filter(jobs map[string]Job, f Filter) []Job {
	var out []Job
	for _, j := range jobs {
		if f == nil || f(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// FileStore persists jobs to a YAML file. Every mutation rewrites the file
// through a temp file and rename.
type FileStore struct {
	path string

	mu   sync.Mutex
	jobs map[string]Job
}

type fileDoc struct {
	Jobs []Job `yaml:"jobs"`
}

// OpenFileStore loads path. A missing file is an empty store.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, jobs: map[string]Job{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs file %s: %w", path, err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(err, errs.InvalidFormat, "parse jobs file "+path)
	}
	for _, j := range doc.Jobs {
		if j.ID == "" {
			return nil, errs.InvalidFormatf("jobs file %s: job %q has no id", path, j.Name)
		}
		s.jobs[j.ID] = j
	}
	return s, nil
}

func (s *FileStore) Get(_ context.Context, id string) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok, nil
}

func (s *FileStore) Insert(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return errs.AlreadyExistsf("job %s already exists", j.ID)
	}
	return s.commit(j.ID, &j)
}

func (s *FileStore) Update(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return errs.NotFoundf("job %s not found", j.ID)
	}
	return s.commit(j.ID, &j)
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return errs.NotFoundf("job %s not found", id)
	}
	return s.commit(id, nil)
}

func (s *FileStore) Exists(ctx context.Context, f Filter) (bool, error) {
	out, err := s.Query(ctx, f)
	return len(out) > 0, err
}

func (s *FileStore) Query(_ context.Context, f Filter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return filter(s.jobs, f), nil
}

// commit writes the store with id set to j (or removed when j is nil) and
// only then updates memory. Callers hold s.mu.
func (s *FileStore) commit(id string, j *Job) error {
	next := make(map[string]Job, len(s.jobs)+1)
	for k, v := range s.jobs {
		next[k] = v
	}
	if j == nil {
		delete(next, id)
	} else {
		next[id] = *j
	}

	data, err := yaml.Marshal(fileDoc{Jobs: filter(next, nil)})
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}
	s.jobs = next
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

// page sorts and slices jobs according to p.
func page(jobs []Job, p Params) ([]Job, error) {
	var key func(Job) string
	switch strings.ToLower(p.SortBy) {
	case "", "id":
		key = func(j Job) string { return j.ID }
	case "name":
		key = func(j Job) string { return j.Name }
	case "provider":
		key = func(j Job) string { return j.Provider }
	case "dataset":
		key = func(j Job) string { return j.Dataset }
	default:
		return nil, errs.InvalidArgumentf("cannot sort jobs by %q", p.SortBy)
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		if p.Desc {
			return key(jobs[a]) > key(jobs[b])
		}
		return key(jobs[a]) < key(jobs[b])
	})

	if p.Offset < 0 || p.Limit < 0 {
		return nil, errs.InvalidArgumentf("offset and limit must not be negative")
	}
	if p.Offset >= len(jobs) {
		return []Job{}, nil
	}
	jobs = jobs[p.Offset:]
	if p.Limit > 0 && p.Limit < len(jobs) {
		jobs = jobs[:p.Limit]
	}
	return jobs, nil
}
