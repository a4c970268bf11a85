package staging

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
)

// S3Store backs Store with an AWS S3 bucket. Credentials come from the
// default provider chain (spec.md §6: "AWS_REGION, AWS_S3_BUCKET + provider
// chain credentials"). If credentials cannot be resolved at construction
// time the store enters disabled mode: Put fails fast with StagingUnavailable,
// without retrying, rather than blocking on a doomed network call.
type S3Store struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
	dl       *manager.Downloader

	mu       sync.Mutex
	disabled bool

	// perf is a dedicated, allocation-light logger for the put/get hot path,
	// paired with the request-scoped logrus logger the rest of the service
	// uses (teacher: core/storage.go pairs zap with logrus the same way).
	perf *zap.Logger
}

// NewS3Store resolves AWS credentials/region and constructs an S3Store. It
// never returns an error for missing credentials — that is reported lazily
// as StagingUnavailable from Put, matching spec.md §4.2's failure model.
func NewS3Store(ctx context.Context, region, bucket string) *S3Store {
	perf, _ := zap.NewProduction()
	if perf == nil {
		perf = zap.NewNop()
	}

	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	store := &S3Store{bucket: bucket, perf: perf}
	if err != nil {
		logrus.WithError(err).Warn("staging: unable to load AWS config, entering disabled mode")
		store.disabled = true
		return store
	}
	if _, credErr := cfg.Credentials.Retrieve(ctx); credErr != nil {
		logrus.WithError(credErr).Warn("staging: no AWS credentials available, entering disabled mode")
		store.disabled = true
		return store
	}

	store.client = s3.NewFromConfig(cfg)
	store.uploader = manager.NewUploader(store.client)
	store.dl = manager.NewDownloader(store.client)
	return store
}

func (s *S3Store) isDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, meta Metadata) error {
	if s.isDisabled() {
		return errStagingUnavailable
	}
	start := time.Now()
	key = SanitizeKey(key)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(SanitizeMetadataValue(meta.ContentType)),
		Metadata: map[string]string{
			"filename":         SanitizeMetadataValue(meta.Filename),
			"expires-at":       meta.ExpiresAt.UTC().Format(time.RFC3339),
			"uploaded-at":      meta.UploadedAt.UTC().Format(time.RFC3339),
			"lifecycle":        SanitizeMetadataValue(meta.Lifecycle),
			"pre-encrypted":    boolString(meta.PreEncrypted),
			"last-accessed-at": meta.LastAccessedAt.UTC().Format(time.RFC3339),
		},
	}
	_, err := s.uploader.Upload(ctx, input)
	s.perf.Debug("staging put", zap.String("key", key), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	if err != nil {
		return errStagingUnavailable
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.isDisabled() {
		return nil, errStagingUnavailable
	}
	start := time.Now()
	key = SanitizeKey(key)

	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.dl.Download(ctx, buf, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	s.perf.Debug("staging get", zap.String("key", key), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	if err != nil {
		return nil, errStagingUnavailable
	}

	// Refresh last-accessed-at/expires-at asynchronously; a failed refresh
	// is logged and swallowed (spec.md §4.2).
	go func() {
		if err := s.Touch(context.Background(), key); err != nil {
			logrus.WithError(err).WithField("key", key).Debug("staging: lifecycle refresh failed")
		}
	}()

	return buf.Bytes(), nil
}

func (s *S3Store) Head(ctx context.Context, key string) (bool, error) {
	if s.isDisabled() {
		return false, errStagingUnavailable
	}
	key = SanitizeKey(key)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if s.isDisabled() {
		return errStagingUnavailable
	}
	key = SanitizeKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	return err
}

// Touch refreshes last-accessed-at/expires-at metadata by re-copying the
// object onto itself with updated metadata (S3 has no in-place metadata
// patch without a copy).
func (s *S3Store) Touch(ctx context.Context, key string) error {
	if s.isDisabled() {
		return errStagingUnavailable
	}
	key = SanitizeKey(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return err
	}
	meta := head.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	meta["last-accessed-at"] = time.Now().UTC().Format(time.RFC3339)
	meta["expires-at"] = time.Now().Add(StagingTTL).UTC().Format(time.RFC3339)

	_, err = s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(s.bucket + "/" + key),
		Metadata:          meta,
		MetadataDirective: "REPLACE",
	})
	return err
}

// Rename moves an object from oldKey to newKey by copy-and-delete, preserving
// metadata and refreshing expires-at — used by the dispatcher to move a
// staged object from its pending key to its final {user}/{blobId}/{filename}
// key once the real blobId is known (spec.md §4.5 step 5).
func (s *S3Store) Rename(ctx context.Context, oldKey, newKey string) error {
	if s.isDisabled() {
		return errStagingUnavailable
	}
	oldKey, newKey = SanitizeKey(oldKey), SanitizeKey(newKey)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(oldKey)})
	if err != nil {
		return err
	}
	meta := head.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	meta["expires-at"] = time.Now().Add(StagingTTL).UTC().Format(time.RFC3339)

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(newKey),
		CopySource:        aws.String(s.bucket + "/" + oldKey),
		Metadata:          meta,
		MetadataDirective: "REPLACE",
	}); err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(oldKey)})
	return err
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var errStagingUnavailable = apierr.New(apierr.StagingUnavailable, "object store credentials unavailable")
