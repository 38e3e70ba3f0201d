// Package job keeps the definitions of backup targets.
package job

import (
	"strings"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
)

// Compression of the snapshot streams stored for a job.
type Compression string

const (
	CompressionNone Compression = "NONE"
	CompressionGzip Compression = "GZIP"
)

// Job is a backup target definition.
type Job struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Provider    string              `json:"provider" yaml:"provider"`
	Dataset     string              `json:"dataset" yaml:"dataset"`
	Recursive   bool                `json:"recursive" yaml:"recursive"`
	Compression Compression         `json:"compression" yaml:"compression"`
	Properties  provider.Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Target returns what the job's provider sees of it.
func (j Job) Target() provider.Target {
	return provider.Target{Name: j.Name, Dataset: j.Dataset, Properties: j.Properties}
}

// Patch is a partial update. Nil fields are left untouched. ID, Provider and
// Dataset exist so that attempts to change them can be rejected.
type Patch struct {
	ID          *string             `json:"id,omitempty" yaml:"id,omitempty"`
	Name        *string             `json:"name,omitempty" yaml:"name,omitempty"`
	Provider    *string             `json:"provider,omitempty" yaml:"provider,omitempty"`
	Dataset     *string             `json:"dataset,omitempty" yaml:"dataset,omitempty"`
	Recursive   *bool               `json:"recursive,omitempty" yaml:"recursive,omitempty"`
	Compression *Compression        `json:"compression,omitempty" yaml:"compression,omitempty"`
	Properties  provider.Properties `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// apply returns j with p applied. Identity fields must already be checked.
func (p Patch) apply(j Job) Job {
	if p.Name != nil {
		j.Name = *p.Name
	}
	if p.Recursive != nil {
		j.Recursive = *p.Recursive
	}
	if p.Compression != nil {
		j.Compression = *p.Compression
	}
	if p.Properties != nil {
		j.Properties = p.Properties
	}
	return j
}

func (p Patch) checkImmutable(cur Job) error {
	if p.ID != nil && *p.ID != cur.ID {
		return errs.InvalidArgumentf("id cannot be changed")
	}
	if p.Provider != nil && *p.Provider != cur.Provider {
		return errs.InvalidArgumentf("provider cannot be changed")
	}
	if p.Dataset != nil && *p.Dataset != cur.Dataset {
		return errs.InvalidArgumentf("dataset cannot be changed")
	}
	return nil
}

// normalize fills defaults and checks required fields.
func normalize(j Job) (Job, error) {
	j.Name = strings.TrimSpace(j.Name)
	j.Provider = strings.ToLower(strings.TrimSpace(j.Provider))
	j.Dataset = strings.Trim(strings.TrimSpace(j.Dataset), "/")
	j.Compression = Compression(strings.ToUpper(string(j.Compression)))

	if j.Name == "" {
		return j, errs.InvalidArgumentf("name is required")
	}
	if j.Provider == "" {
		return j, errs.InvalidArgumentf("provider is required")
	}
	if j.Dataset == "" {
		return j, errs.InvalidArgumentf("dataset is required")
	}
	if strings.Contains(j.Dataset, "@") {
		return j, errs.InvalidArgumentf("dataset %q must not name a snapshot", j.Dataset)
	}
	switch j.Compression {
	case "":
		j.Compression = CompressionNone
	case CompressionNone, CompressionGzip:
	default:
		return j, errs.InvalidArgumentf("unsupported compression %q (want NONE or GZIP)", j.Compression)
	}
	return j, nil
}
