package job

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/task"
)

// Topic is the notification topic of job changes.
const Topic = "backup.changed"

// Providers resolves a provider by name.
type Providers interface {
	Lookup(name string) (provider.Provider, error)
}

// Registry is the CRUD surface over job definitions. Mutations are
// serialized; reads go straight to the store.
type Registry struct {
	store     Store
	providers Providers
	emitter   task.Emitter

	mu sync.Mutex
}

// NewRegistry wires a registry. A nil emitter logs notifications.
func NewRegistry(store Store, providers Providers, emitter task.Emitter) *Registry {
	if emitter == nil {
		emitter = task.LogEmitter{}
	}
	return &Registry{store: store, providers: providers, emitter: emitter}
}

// Create validates j, initializes it at its provider and stores it.
// An empty ID is generated.
func (r *Registry) Create(ctx context.Context, j Job) (Job, error) {
	j, err := normalize(j)
	if err != nil {
		return Job{}, errs.Annotate(err, j.Name, "create")
	}
	p, err := r.providers.Lookup(j.Provider)
	if err != nil {
		return Job{}, errs.Annotate(err, j.Name, "create")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	} else if _, ok, err := r.store.Get(ctx, j.ID); err != nil {
		return Job{}, errs.Annotate(err, j.Name, "create")
	} else if ok {
		return Job{}, errs.Annotate(errs.AlreadyExistsf("job id %s already exists", j.ID), j.Name, "create")
	}
	if taken, err := r.store.Exists(ctx, ByName(j.Name)); err != nil {
		return Job{}, errs.Annotate(err, j.Name, "create")
	} else if taken {
		return Job{}, errs.Annotate(errs.AlreadyExistsf("job name %s already exists", j.Name), j.Name, "create")
	}

	props, err := p.Init(ctx, j.Target())
	if err != nil {
		return Job{}, errs.Annotate(err, j.Name, "init provider "+j.Provider)
	}
	j.Properties = props

	if err := r.store.Insert(ctx, j); err != nil {
		return Job{}, errs.Annotate(err, j.Name, "create")
	}
	log.Info().Str("action", "job_create").Str("job", j.Name).Str("id", j.ID).
		Str("provider", j.Provider).Str("dataset", j.Dataset).Msg("job created")
	r.emitter.Emit(ctx, Topic, task.Change{Operation: task.OpCreate, IDs: []string{j.ID}})
	return j, nil
}

// Update applies p to the job id. Identity fields cannot change. New
// properties go through the provider's Init again.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return Job{}, errs.Annotate(err, id, "update")
	}
	if !ok {
		return Job{}, errs.Annotate(errs.NotFoundf("job %s not found", id), id, "update")
	}
	if err := p.checkImmutable(cur); err != nil {
		return Job{}, errs.Annotate(err, cur.Name, "update")
	}

	next, err := normalize(p.apply(cur))
	if err != nil {
		return Job{}, errs.Annotate(err, cur.Name, "update")
	}
	if next.Name != cur.Name {
		taken, err := r.store.Exists(ctx, func(o Job) bool { return o.Name == next.Name && o.ID != id })
		if err != nil {
			return Job{}, errs.Annotate(err, cur.Name, "update")
		}
		if taken {
			return Job{}, errs.Annotate(errs.AlreadyExistsf("job name %s already exists", next.Name), cur.Name, "update")
		}
	}
	if p.Properties != nil {
		prov, err := r.providers.Lookup(next.Provider)
		if err != nil {
			return Job{}, errs.Annotate(err, cur.Name, "update")
		}
		props, err := prov.Init(ctx, next.Target())
		if err != nil {
			return Job{}, errs.Annotate(err, cur.Name, "init provider "+next.Provider)
		}
		next.Properties = props
	}

	if err := r.store.Update(ctx, next); err != nil {
		return Job{}, errs.Annotate(err, cur.Name, "update")
	}
	log.Info().Str("action", "job_update").Str("job", next.Name).Str("id", id).Msg("job updated")
	r.emitter.Emit(ctx, Topic, task.Change{Operation: task.OpUpdate, IDs: []string{id}})
	return next, nil
}

// Delete removes the job definition. Remote data is left alone.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return errs.Annotate(err, id, "delete")
	}
	if !ok {
		return errs.Annotate(errs.NotFoundf("job %s not found", id), id, "delete")
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return errs.Annotate(err, cur.Name, "delete")
	}
	log.Info().Str("action", "job_delete").Str("job", cur.Name).Str("id", id).Msg("job deleted")
	r.emitter.Emit(ctx, Topic, task.Change{Operation: task.OpDelete, IDs: []string{id}})
	return nil
}

// Get returns the job id.
func (r *Registry) Get(ctx context.Context, id string) (Job, error) {
	j, ok, err := r.store.Get(ctx, id)
	if err != nil {
		return Job{}, errs.Annotate(err, id, "get")
	}
	if !ok {
		return Job{}, errs.NotFoundf("job %s not found", id)
	}
	return j, nil
}

// Query returns the jobs matching f, ordered and paged by p.
func (r *Registry) Query(ctx context.Context, f Filter, p Params) ([]Job, error) {
	jobs, err := r.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	return page(jobs, p)
}

// Single returns the first job matching f.
func (r *Registry) Single(ctx context.Context, f Filter) (Job, error) {
	jobs, err := r.Query(ctx, f, Params{Limit: 1})
	if err != nil {
		return Job{}, err
	}
	if len(jobs) == 0 {
		return Job{}, errs.NotFoundf("no matching job")
	}
	return jobs[0], nil
}

// Each calls fn for every matching job until fn returns an error.
func (r *Registry) Each(ctx context.Context, f Filter, p Params, fn func(Job) error) error {
	jobs, err := r.Query(ctx, f, p)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
	}
	return nil
}
