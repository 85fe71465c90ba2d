package blob

import (
	"context"
	"io"
	"math/rand/v2"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const (
	ChunkSize         = 2 * 1024 * 1024
	DefaultMaxRetries = 5
)

var ErrInvalidURI = errors.New("invalid gs:// uri")

// ObjectStore is the subset of object storage the transfer needs. NewRangeReader
// reads from offset to the end and reports the full object size, or -1.
type ObjectStore interface {
	NewRangeReader(ctx context.Context, bucket, object string, offset int64) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, bucket, object string) error
}

// GCSStore adapts a storage.Client to ObjectStore.
type GCSStore struct {
	client *storage.Client
}

func NewGCSStore(ctx context.Context, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create gcs client")
	}
	return &GCSStore{client: client}, nil
}

func (s *GCSStore) NewRangeReader(ctx context.Context, bucket, object string, offset int64) (io.ReadCloser, int64, error) {
	obj := s.client.Bucket(bucket).Object(object).Retryer(storage.WithPolicy(storage.RetryAlways))
	r, err := obj.NewRangeReader(ctx, offset, -1)
	if err != nil {
		return nil, 0, err
	}
	return r, r.Attrs.Size, nil
}

func (s *GCSStore) Delete(ctx context.Context, bucket, object string) error {
	return s.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (s *GCSStore) Close() error { return s.client.Close() }

type Option func(*Transfer)

func WithMaxRetries(n int) Option {
	return func(t *Transfer) { t.maxRetries = n }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Transfer) { t.sleep = sleep }
}

// Transfer downloads exported objects to local files and removes them from
// the bucket afterwards.
type Transfer struct {
	store      ObjectStore
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	logger     zerolog.Logger
}

func NewTransfer(store ObjectStore, logger zerolog.Logger, opts ...Option) *Transfer {
	t := &Transfer{
		store:      store,
		maxRetries: DefaultMaxRetries,
		sleep:      sleepContext,
		logger:     logger.With().Str("component", "blob_transfer").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseURI splits gs://bucket/object.
func ParseURI(uri string) (bucket, object string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", errors.Wrapf(ErrInvalidURI, "%q: %v", uri, err)
	}
	if u.Scheme != "gs" {
		return "", "", errors.Wrapf(ErrInvalidURI, "expected gs scheme in %q", uri)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", errors.Wrapf(ErrInvalidURI, "missing bucket or object in %q", uri)
	}
	return u.Host, object, nil
}

// Download copies the object at uri into dst in chunks. A read that fails
// mid-stream is resumed from the last written offset after a randomized
// exponential backoff; more than maxRetries consecutive failures without
// progress abort the download.
func (t *Transfer) Download(ctx context.Context, uri, dst string) (int64, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return 0, err
	}

	f, err := os.Create(dst)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", dst)
	}
	defer f.Close()

	t.logger.Info().Str("uri", uri).Str("file", dst).Msg("Downloading export")

	var (
		written  int64
		failures int
	)
	size, lastPct := int64(-1), -1
	buf := make([]byte, ChunkSize)
	for {
		n, total, err := t.copyFrom(ctx, bucket, object, written, f, buf)
		written += n
		if total >= 0 && size < 0 {
			size = total
		}
		if n > 0 {
			failures = 0
			lastPct = t.logProgress(written, size, lastPct)
		}
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrObjectNotExist) || ctx.Err() != nil {
			return written, errors.Wrapf(err, "download %s", uri)
		}

		failures++
		if failures > t.maxRetries {
			t.logger.Warn().Int("attempts", failures).Msg("Failed to make progress for too many consecutive attempts")
			return written, errors.Wrapf(err, "download %s", uri)
		}
		backoff := time.Duration(rand.Float64() * float64(time.Second) * float64(int64(1)<<failures))
		t.logger.Warn().Err(err).Dur("backoff", backoff).Int("retry", failures).Msg("Download interrupted, retrying")
		if err := t.sleep(ctx, backoff); err != nil {
			return written, errors.Wrapf(err, "download %s", uri)
		}
	}

	if err := f.Sync(); err != nil {
		return written, errors.Wrapf(err, "sync %s", dst)
	}
	t.logger.Info().Str("file", dst).Int64("bytes", written).Msg("Download complete")
	return written, nil
}

func (t *Transfer) copyFrom(ctx context.Context, bucket, object string, offset int64, w io.Writer, buf []byte) (int64, int64, error) {
	r, total, err := t.store.NewRangeReader(ctx, bucket, object, offset)
	if err != nil {
		return 0, -1, err
	}
	defer r.Close()
	n, err := io.CopyBuffer(w, r, buf)
	return n, total, err
}

func (t *Transfer) logProgress(written, size int64, last int) int {
	if size <= 0 {
		return last
	}
	pct := int(written * 100 / size)
	if pct/10 != last/10 {
		t.logger.Info().Int("percent", pct).Msg("Download progress")
	}
	return pct
}

func (t *Transfer) Delete(ctx context.Context, uri string) error {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if err := t.store.Delete(ctx, bucket, object); err != nil {
		return errors.Wrapf(err, "delete %s", uri)
	}
	t.logger.Info().Str("uri", uri).Msg("Deleted export object")
	return nil
}
