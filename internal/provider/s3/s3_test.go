package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/config"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/provider"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/retry"
)

// fakeS3 implements the path-style subset of the S3 API used by Provider.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte         // "bucket/key"
	uploads map[string]map[int][]byte // uploadId -> part -> data
	aborted int
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, uploads: map[string]map[int][]byte{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && key == "" && q.Get("list-type") == "2":
		prefix := q.Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, bucket+"/"+prefix) {
				keys = append(keys, strings.TrimPrefix(k, bucket+"/"))
			}
		}
		sort.Strings(keys)
		var sb strings.Builder
		fmt.Fprintf(&sb, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>`, bucket, prefix, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&sb, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, k, len(f.objects[bucket+"/"+k]))
		}
		sb.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, sb.String())

	case r.Method == http.MethodGet:
		data, ok := f.objects[path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)

	case r.Method == http.MethodPost && q.Has("uploads"):
		id := fmt.Sprintf("upload-%d", len(f.uploads)+1)
		f.uploads[id] = map[int][]byte{}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><InitiateMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, bucket, key, id)

	case r.Method == http.MethodPut && q.Get("uploadId") != "":
		n, _ := strconv.Atoi(q.Get("partNumber"))
		f.uploads[q.Get("uploadId")][n] = body
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPost && q.Get("uploadId") != "":
		parts := f.uploads[q.Get("uploadId")]
		nums := make([]int, 0, len(parts))
		for n := range parts {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		var all []byte
		for _, n := range nums {
			all = append(all, parts[n]...)
		}
		f.objects[path] = all
		delete(f.uploads, q.Get("uploadId"))
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><CompleteMultipartUploadResult><Bucket>%s</Bucket><Key>%s</Key><ETag>"done"</ETag></CompleteMultipartUploadResult>`, bucket, key)

	case r.Method == http.MethodDelete && q.Get("uploadId") != "":
		delete(f.uploads, q.Get("uploadId"))
		f.aborted++
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPut:
		f.objects[path] = body
		f.puts++
		w.Header().Set("ETag", `"put"`)
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "unsupported", http.StatusNotImplemented)
	}
}

func newTestProvider(t *testing.T) (*Provider, *fakeS3) {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p, err := New(context.Background(), config.S3Config{
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PartSize:        config.DefaultS3PartSize,
	}, retry.Options{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	p.partSize = 16
	return p, fake
}

func TestInitDefaultsPrefix(t *testing.T) {
	p, _ := newTestProvider(t)
	props, err := p.Init(context.Background(), provider.Target{Name: "data", Properties: provider.Properties{"bucket": "b"}})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if props["prefix"] != "data" || props[provider.TypeKey] != Type {
		t.Fatalf("props: %v", props)
	}

	if _, err := p.Init(context.Background(), provider.Target{Name: "data"}); !errs.Is(err, errs.InvalidArgument) {
		t.Fatalf("missing bucket: want InvalidArgument, got %v", err)
	}
}

func TestPutGetList(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()
	props := provider.Properties{"bucket": "b", "prefix": "nas/data"}

	small := []byte("manifest")
	if err := p.Put(ctx, props, "SNAPSHOT_MANIFEST", bytes.NewReader(small)); err != nil {
		t.Fatalf("put small: %v", err)
	}
	if fake.puts != 1 {
		t.Fatalf("small object should use a single PutObject")
	}

	large := bytes.Repeat([]byte("0123456789"), 5) // 50 bytes, 4 parts of 16
	if err := p.Put(ctx, props, "stream", bytes.NewReader(large)); err != nil {
		t.Fatalf("put large: %v", err)
	}
	if got := fake.objects["b/nas/data/stream"]; !bytes.Equal(got, large) {
		t.Fatalf("multipart object: %q", got)
	}
	if len(fake.uploads) != 0 {
		t.Fatalf("upload left open")
	}

	var buf bytes.Buffer
	if err := p.Get(ctx, props, "stream", &buf); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), large) {
		t.Fatalf("get returned %q", buf.Bytes())
	}

	if err := p.Get(ctx, props, "missing", io.Discard); !errs.Is(err, errs.NotFound) {
		t.Fatalf("missing object: want NotFound, got %v", err)
	}

	fake.objects["b/nas/data/nested/obj"] = []byte("x")
	files, err := p.List(ctx, props)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].Name != "SNAPSHOT_MANIFEST" || files[1].Name != "stream" || files[1].Size != 50 {
		t.Fatalf("list: %+v", files)
	}
}

type failingReader struct{ after int }

func (r *failingReader) Read(b []byte) (int, error) {
	if r.after <= 0 {
		return 0, fmt.Errorf("source broke")
	}
	n := len(b)
	if n > r.after {
		n = r.after
	}
	for i := range b[:n] {
		b[i] = 'z'
	}
	r.after -= n
	return n, nil
}

func TestPutAbortsMultipartOnSourceError(t *testing.T) {
	p, fake := newTestProvider(t)
	props := provider.Properties{"bucket": "b"}

	err := p.Put(context.Background(), props, "broken", &failingReader{after: 40})
	if err == nil || !strings.Contains(err.Error(), "source broke") {
		t.Fatalf("want source error, got %v", err)
	}
	if fake.aborted != 1 {
		t.Fatalf("multipart upload not aborted")
	}
	if _, ok := fake.objects["b/broken"]; ok {
		t.Fatalf("object must not be committed")
	}
}
