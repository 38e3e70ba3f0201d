// Package azure stores backup objects as blobs in an Azure Storage
// container.
package azure

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/retry"
)

const (
	Name = "azure"
	Type = "backup-azure"
)

var _ provider.Provider = (*Provider)(nil)

// Settings are the job properties understood by this backend.
type Settings struct {
	Container string `json:"container"`
	Prefix    string `json:"prefix,omitempty"` // blob name prefix, defaults to the job name
}

type Provider struct {
	client   *azblob.Client
	endpoint string // e.g. https://<account>.blob.core.windows.net/
	ro       retry.Options
}

func (p *Provider) Name() string { return Name }

func decode(props provider.Properties) (Settings, error) {
	var s Settings
	if err := provider.Decode(props, &s); err != nil {
		return s, errs.Wrap(err, errs.InvalidArgument, "azure")
	}
	if strings.TrimSpace(s.Container) == "" {
		return s, errs.InvalidArgumentf("azure: property %q is required", "container")
	}
	s.Prefix = normalizeKey(strings.TrimSuffix(s.Prefix, "/"))
	return s, nil
}

// blobName returns "<prefix>/<name>".
func blobName(s Settings, name string) string {
	if s.Prefix == "" {
		return normalizeKey(name)
	}
	return path.Join(s.Prefix, normalizeKey(name))
}

func normalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}

// Init checks container access and defaults the prefix to the job name.
func (p *Provider) Init(ctx context.Context, t provider.Target) (provider.Properties, error) {
	s, err := decode(t.Properties)
	if err != nil {
		return nil, err
	}
	if s.Prefix == "" {
		s.Prefix = t.Name
	}
	if err := p.ensureContainer(ctx, s.Container); err != nil {
		return nil, fmt.Errorf("azure: ensure container: %w", err)
	}
	log.Info().Str("action", "azure_init").Str("endpoint", p.endpoint).Str("container", s.Container).
		Str("prefix", s.Prefix).Msg("container access OK")
	return provider.Encode(Type, s)
}

// List returns the blobs directly under the prefix.
func (p *Provider) List(ctx context.Context, props provider.Properties) ([]provider.File, error) {
	s, err := decode(props)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if s.Prefix != "" {
		prefix = s.Prefix + "/"
	}

	start := time.Now()
	files, err := retry.Value(ctx, p.ro, "azure_list", isAzRetryable, func(ctx context.Context) ([]provider.File, error) {
		var files []provider.File
		pager := p.client.NewListBlobsFlatPager(s.Container, &azblob.ListBlobsFlatOptions{
			Prefix: to.Ptr(prefix),
		})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return nil, err
			}
			for _, it := range page.Segment.BlobItems {
				if it.Name == nil {
					continue
				}
				name := strings.TrimPrefix(*it.Name, prefix)
				if name == "" || strings.Contains(name, "/") {
					continue
				}
				f := provider.File{Name: name}
				if it.Properties != nil {
					if it.Properties.ContentLength != nil {
						f.Size = *it.Properties.ContentLength
					}
					if it.Properties.ContentType != nil {
						f.ContentType = *it.Properties.ContentType
					}
				}
				files = append(files, f)
			}
		}
		return files, nil
	})
	if err != nil {
		return nil, fmt.Errorf("azure: list %s/%s: %w", s.Container, prefix, err)
	}
	log.Debug().Str("action", "azure_list").Str("container", s.Container).Str("prefix", prefix).
		Int("blobs", len(files)).Dur("elapsed_ms", time.Since(start)).Msg("list OK")
	return files, nil
}

// Get streams the blob into w. A stream cannot be replayed, so it is not
// retried once bytes have been written.
func (p *Provider) Get(ctx context.Context, props provider.Properties, name string, w io.Writer) error {
	s, err := decode(props)
	if err != nil {
		return err
	}
	key := blobName(s, name)
	start := time.Now()

	resp, err := p.client.DownloadStream(ctx, s.Container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return errs.NotFoundf("azure: blob %s/%s not found", s.Container, key)
		}
		return fmt.Errorf("azure: download %s: %w", key, err)
	}
	body := resp.NewRetryReader(ctx, &blob.RetryReaderOptions{MaxRetries: int32(p.ro.MaxAttempts)})
	defer func() {
		if cerr := body.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("action", "azure_download").Str("key", key).Msg("failed to close download body")
		}
	}()

	n, err := io.Copy(w, body)
	if err != nil {
		return fmt.Errorf("azure: download %s: %w", key, err)
	}
	log.Debug().Str("action", "azure_download").Str("container", s.Container).Str("key", key).
		Int64("bytes", n).Dur("elapsed_ms", time.Since(start)).Msg("download OK")
	return nil
}

// Put uploads r as block blob and checks the stored size against the bytes
// read.
func (p *Provider) Put(ctx context.Context, props provider.Properties, name string, r io.Reader) error {
	s, err := decode(props)
	if err != nil {
		return err
	}
	key := blobName(s, name)
	start := time.Now()

	cr := &countingReader{r: r}
	if _, err := p.client.UploadStream(ctx, s.Container, key, cr, nil); err != nil {
		return fmt.Errorf("azure: upload %s: %w", key, err)
	}
	log.Info().Str("action", "azure_upload").Str("container", s.Container).Str("key", key).
		Int64("bytes", cr.n).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")

	err = retry.Do(ctx, p.ro, "azure_list_validate", isAzRetryable, func(ctx context.Context) error {
		found, remoteSize, err := p.validateSizeByList(ctx, s.Container, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("uploaded blob not found at %q", key)
		}
		if remoteSize != cr.n {
			return fmt.Errorf("size mismatch: local=%d, remote=%d", cr.n, remoteSize)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("azure: validate %s: %w", key, err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
