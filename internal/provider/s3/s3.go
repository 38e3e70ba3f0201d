// Package s3 stores backup objects in an S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/retry"
)

const (
	Name = "s3"
	Type = "backup-s3"
)

// Ensure Provider implements provider.Provider at compile time.
var _ provider.Provider = (*Provider)(nil)

// Settings are the job properties understood by this backend.
type Settings struct {
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix,omitempty"` // object key prefix, defaults to the job name
	Region       string `json:"region,omitempty"` // overrides S3_REGION for this job
	StorageClass string `json:"storage_class,omitempty"`
}

// Provider streams objects to S3. Streams larger than one part go through a
// multipart upload so memory stays bounded by the part size.
type Provider struct {
	client   *s3.Client
	partSize int64
	ro       retry.Options
}

// New creates an S3 provider from the given config.
func New(ctx context.Context, cfg config.S3Config, ro retry.Options) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for most S3-compatible stores
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	partSize := cfg.PartSize
	if partSize <= 0 {
		partSize = config.DefaultS3PartSize
	}
	return &Provider{
		client:   s3.NewFromConfig(awsCfg, s3Opts...),
		partSize: partSize,
		ro:       ro,
	}, nil
}

func init() {
	provider.Register(Name, func(cfg config.Config) (provider.Provider, error) {
		return New(context.Background(), cfg.S3, cfg.RetryOptions())
	})
}

func (p *Provider) Name() string { return Name }

func decode(props provider.Properties) (Settings, error) {
	var s Settings
	if err := provider.Decode(props, &s); err != nil {
		return s, errs.Wrap(err, errs.InvalidArgument, "s3")
	}
	if strings.TrimSpace(s.Bucket) == "" {
		return s, errs.InvalidArgumentf("s3: property %q is required", "bucket")
	}
	s.Prefix = strings.Trim(s.Prefix, "/")
	return s, nil
}

// objectKey returns the full object key: <prefix>/<name>.
func objectKey(s Settings, name string) string {
	if s.Prefix == "" {
		return name
	}
	return path.Join(s.Prefix, name)
}

func regionOpt(s Settings) []func(*s3.Options) {
	if s.Region == "" {
		return nil
	}
	return []func(*s3.Options){func(o *s3.Options) { o.Region = s.Region }}
}

// Init checks the bucket is reachable and defaults the prefix to the job name.
func (p *Provider) Init(ctx context.Context, t provider.Target) (provider.Properties, error) {
	s, err := decode(t.Properties)
	if err != nil {
		return nil, err
	}
	if s.Prefix == "" {
		s.Prefix = t.Name
	}

	start := time.Now()
	err = retry.Do(ctx, p.ro, "s3_head_bucket", isRetryable, func(ctx context.Context) error {
		_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.Bucket)}, regionOpt(s)...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("s3: bucket %s not accessible: %w", s.Bucket, err)
	}
	log.Info().Str("action", "s3_init").Str("bucket", s.Bucket).Str("prefix", s.Prefix).
		Dur("elapsed_ms", time.Since(start)).Msg("bucket access OK")
	return provider.Encode(Type, s)
}

// List returns the objects directly under the prefix.
func (p *Provider) List(ctx context.Context, props provider.Properties) ([]provider.File, error) {
	s, err := decode(props)
	if err != nil {
		return nil, err
	}
	prefix := ""
	if s.Prefix != "" {
		prefix = s.Prefix + "/"
	}

	return retry.Value(ctx, p.ro, "s3_list", isRetryable, func(ctx context.Context) ([]provider.File, error) {
		var files []provider.File
		paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.Bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx, regionOpt(s)...)
			if err != nil {
				return nil, fmt.Errorf("s3: failed to list objects with prefix %s: %w", prefix, err)
			}
			for _, obj := range page.Contents {
				if obj.Key == nil {
					continue
				}
				name := strings.TrimPrefix(*obj.Key, prefix)
				if name == "" || strings.Contains(name, "/") {
					continue
				}
				files = append(files, provider.File{Name: name, Size: aws.ToInt64(obj.Size)})
			}
		}
		return files, nil
	})
}

func (p *Provider) Get(ctx context.Context, props provider.Properties, name string, w io.Writer) error {
	s, err := decode(props)
	if err != nil {
		return err
	}
	key := objectKey(s, name)
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}, regionOpt(s)...)
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return errs.NotFoundf("s3: object %s not found", key)
		}
		return fmt.Errorf("s3: failed to download %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("s3: read %s: %w", key, err)
	}
	return nil
}

// Put uploads r. The first part is buffered; if the stream ends within it a
// single PutObject is used, otherwise a multipart upload.
func (p *Provider) Put(ctx context.Context, props provider.Properties, name string, r io.Reader) error {
	s, err := decode(props)
	if err != nil {
		return err
	}
	key := objectKey(s, name)
	start := time.Now()

	buf := make([]byte, p.partSize)
	n, err := io.ReadFull(r, buf)
	switch {
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
			StorageClass:  s3types.StorageClass(s.StorageClass),
		}, regionOpt(s)...)
		if err != nil {
			return fmt.Errorf("s3: failed to upload %s: %w", key, err)
		}
		log.Debug().Str("action", "s3_put").Str("key", key).Int("bytes", n).
			Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
		return nil
	case err != nil:
		return fmt.Errorf("s3: read stream for %s: %w", key, err)
	}

	total, err := p.multipart(ctx, s, key, buf, r)
	if err != nil {
		return err
	}
	log.Debug().Str("action", "s3_put").Str("key", key).Int64("bytes", total).
		Dur("elapsed_ms", time.Since(start)).Msg("multipart upload OK")
	return nil
}

// multipart uploads buf (already full) followed by the rest of r.
func (p *Provider) multipart(ctx context.Context, s Settings, key string, buf []byte, r io.Reader) (int64, error) {
	created, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(s.Bucket),
		Key:          aws.String(key),
		StorageClass: s3types.StorageClass(s.StorageClass),
	}, regionOpt(s)...)
	if err != nil {
		return 0, fmt.Errorf("s3: start multipart upload of %s: %w", key, err)
	}
	abort := func(cause error) error {
		// The caller's context may be gone; abort on a fresh one.
		actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, aerr := p.client.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.Bucket),
			Key:      aws.String(key),
			UploadId: created.UploadId,
		}, regionOpt(s)...); aerr != nil {
			log.Warn().Err(aerr).Str("action", "s3_abort").Str("key", key).Msg("failed to abort multipart upload")
		}
		return cause
	}

	var (
		parts []s3types.CompletedPart
		total int64
		n     = len(buf)
	)
	for part := int32(1); n > 0; part++ {
		out, err := p.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.Bucket),
			Key:           aws.String(key),
			UploadId:      created.UploadId,
			PartNumber:    aws.Int32(part),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		}, regionOpt(s)...)
		if err != nil {
			return 0, abort(fmt.Errorf("s3: upload part %d of %s: %w", part, key, err))
		}
		parts = append(parts, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(part)})
		total += int64(n)

		var rerr error
		n, rerr = io.ReadFull(r, buf)
		if rerr != nil && !errors.Is(rerr, io.EOF) && !errors.Is(rerr, io.ErrUnexpectedEOF) {
			return 0, abort(fmt.Errorf("s3: read stream for %s: %w", key, rerr))
		}
	}

	_, err = p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.Bucket),
		Key:             aws.String(key),
		UploadId:        created.UploadId,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	}, regionOpt(s)...)
	if err != nil {
		return 0, abort(fmt.Errorf("s3: complete multipart upload of %s: %w", key, err))
	}
	return total, nil
}

// isRetryable: timeouts, throttling and 5xx responses.
func isRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
	}
	return false
}
