// Package intake implements the server-side upload entry point described in
// spec.md §4.4: extension validation, object-store staging under a
// pending key, quote consumption (or just-in-time quoting) and balance
// deduction, and insertion of a pending File row. Intake never drives the
// blockchain protocol itself — that is internal/dispatch's job, triggered
// separately (spec.md §4.4).
package intake

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/ledger"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/quote"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/staging"
)

// allowedExtensions is the fixed allow-list spec.md §4.4 requires: documents,
// images, video, audio, archives, office, markup.
var allowedExtensions = map[string]bool{
	// documents
	".pdf": true, ".txt": true, ".rtf": true, ".csv": true,
	// images
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true,
	// video
	".mp4": true, ".mov": true, ".webm": true, ".mkv": true,
	// audio
	".mp3": true, ".wav": true, ".flac": true, ".ogg": true,
	// archives
	".zip": true, ".tar": true, ".gz": true, ".7z": true,
	// office
	".doc": true, ".docx": true, ".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true,
	// markup
	".md": true, ".html": true, ".xml": true, ".json": true, ".yaml": true, ".yml": true,
}

// MaxSyncUploadBytes is the recommended maximum for the synchronous intake
// path (spec.md §4.4); larger uploads require a presigned staging path this
// core does not implement.
const MaxSyncUploadBytes = 100 * 1024 * 1024

// registrar is the narrow ensureRegistry capability intake needs; kept
// interface-typed so tests don't need a live chain collaborator.
type registrar interface {
	EnsureRegistry(ctx context.Context, userID string) (string, error)
}

// Request is a single file's intake parameters, extracted from the
// multipart POST /api/upload fields by cmd/uploadserver's handler.
type Request struct {
	UserID              string
	Filename            string
	ContentType         string
	Bytes               []byte
	Epochs              int
	FolderID            string
	QuoteID             string
	ClientSideEncrypted bool
}

// Receipt is the client's proof that it may safely drop local bytes
// (spec.md §4.4 step 6).
type Receipt struct {
	FileID     string
	TempBlobID string
	StagedKey  string
	UploadMode string
}

// Intake wires together staging, quoting, the ledger and the file store to
// implement the synchronous upload entry point.
type Intake struct {
	Staging  staging.Store
	Quotes   *quote.Store
	Oracle   quote.PriceOracle
	Ledger   *ledger.Ledger
	Files    FileStore
	Registry registrar
}

// ValidateExtension reports whether filename's extension is in the fixed
// allow-list.
func ValidateExtension(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return allowedExtensions[ext]
}

// Accept runs the full intake pipeline for a single file (spec.md §4.4
// steps 1-6).
func (in *Intake) Accept(ctx context.Context, req Request) (Receipt, error) {
	if req.UserID == "" || req.Filename == "" {
		return Receipt{}, apierr.New(apierr.InputInvalid, "intake: missing required field")
	}
	if !ValidateExtension(req.Filename) {
		return Receipt{}, apierr.New(apierr.UnsupportedMediaType, "intake: disallowed file extension")
	}
	if len(req.Bytes) > MaxSyncUploadBytes {
		return Receipt{}, apierr.New(apierr.FileTooLarge, "intake: file exceeds synchronous intake limit")
	}
	if req.Epochs <= 0 {
		req.Epochs = quote.DefaultEpochs
	}

	// Step 1: ensure the user's on-chain registry is known. This is a
	// side-effect the intake hot path does not block on; failures are
	// logged and the dispatcher retries ensureRegistry itself before
	// register_file (spec.md §4.7).
	if in.Registry != nil {
		go func() {
			if _, err := in.Registry.EnsureRegistry(context.Background(), req.UserID); err != nil {
				logrus.WithError(err).WithField("user", req.UserID).Warn("intake: ensureRegistry side-effect failed")
			}
		}()
	}

	// Step 2: mint a temporary blob reference.
	tempBlobID := "temp_" + uuid.New().String()

	// Step 3: stage bytes under the pending key.
	stagedKey := staging.PendingKey(req.UserID, tempBlobID, req.Filename)
	meta := staging.Metadata{
		ContentType:    req.ContentType,
		Filename:       req.Filename,
		Lifecycle:      staging.LifecycleTemporary,
		UploadedAt:     clock().UTC(),
		LastAccessedAt: clock().UTC(),
		ExpiresAt:      clock().UTC().Add(staging.StagingTTL),
		PreEncrypted:   req.ClientSideEncrypted,
	}
	if err := in.Staging.Put(ctx, stagedKey, req.Bytes, meta); err != nil {
		return Receipt{}, err
	}

	// Step 4: consume the supplied quote, or mint and consume a
	// just-in-time one, then deduct the USD amount from the user's balance.
	costUSD, err := in.resolvePayment(ctx, req)
	if err != nil {
		return Receipt{}, err
	}
	if _, err := in.Ledger.Deduct(ctx, req.UserID, costUSD, fmt.Sprintf("upload %s", req.Filename), 0); err != nil {
		return Receipt{}, err
	}

	// Step 5: insert the pending File row.
	fileID := uuid.New().String()
	f := domain.File{
		FileID:         fileID,
		UserID:         req.UserID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		OriginalSize:   int64(len(req.Bytes)),
		Epochs:         req.Epochs,
		Status:         domain.FilePending,
		StagedKey:      stagedKey,
		TempBlobID:     tempBlobID,
		Encrypted:      req.ClientSideEncrypted,
		UploadedAt:     clock().UTC(),
		LastAccessedAt: clock().UTC(),
		FolderID:       req.FolderID,
	}
	if err := in.Files.Insert(f); err != nil {
		return Receipt{}, err
	}

	// Step 6: receipt.
	return Receipt{
		FileID:     fileID,
		TempBlobID: tempBlobID,
		StagedKey:  stagedKey,
		UploadMode: "async",
	}, nil
}

func (in *Intake) resolvePayment(ctx context.Context, req Request) (float64, error) {
	if req.QuoteID != "" {
		q, err := in.Quotes.Consume(req.QuoteID, req.UserID)
		if err != nil {
			return 0, err
		}
		return q.TotalCostUSD, nil
	}

	result, err := quote.Compute(ctx, in.Oracle, int64(len(req.Bytes)), req.Epochs, nil)
	if err != nil {
		return 0, err
	}
	return result.CostUSD, nil
}

// clock lets tests freeze timestamps; production code uses time.Now.
var clock = time.Now
