// Package domain holds the record schema shared by the server intake,
// dispatcher, ledger and client queue. Every status field is an explicit
// enumeration, and records are plain typed structs rather than duck-typed
// maps. The package has no constructors; nothing here rejects a partially
// filled record.
package domain

import "time"

// UploadStatus is the lifecycle state of a QueuedUpload on the client side.
type UploadStatus string

const (
	UploadQueued    UploadStatus = "queued"
	UploadUploading UploadStatus = "uploading"
	UploadRetrying  UploadStatus = "retrying"
	UploadDone      UploadStatus = "done"
	UploadError     UploadStatus = "error"
)

// FileStatus is the lifecycle state of a File on the server side.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
)

// TransactionType distinguishes ledger credits from debits.
type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

// QueuedUpload is the client-scoped, durable work-queue record described in
// spec.md §3. Removed from storage on a successful server receipt or an
// explicit user delete.
type QueuedUpload struct {
	ID            string       `json:"id"`
	UserID        string       `json:"userId"`
	Filename      string       `json:"filename"`
	MimeType      string       `json:"mime"`
	ByteLength    int64        `json:"byteLength"`
	CreatedAt     time.Time    `json:"createdAt"`
	Status        UploadStatus `json:"status"`
	Encrypt       bool         `json:"encrypt"`
	Progress      int          `json:"progress"`
	LastError     string       `json:"lastError,omitempty"`
	PaymentUSD    float64      `json:"paymentAmount"`
	Epochs        int          `json:"epochs"`
	AttemptCount  int          `json:"attemptCount"`
	RetryDeadline *time.Time   `json:"retryDeadline,omitempty"`
	MaxAttempts   int          `json:"maxAttempts"`
	FolderID      string       `json:"folderId,omitempty"`

	// UploadStartedAt is set on the queued->uploading transition. Stuck-item
	// detection keys off this, not CreatedAt, since an item can sit queued
	// behind others for longer than StuckTimeout before its upload ever
	// starts.
	UploadStartedAt *time.Time `json:"uploadStartedAt,omitempty"`
}

// DefaultMaxAttempts is applied to any QueuedUpload that does not specify one.
const DefaultMaxAttempts = 3

// PerFileQuote is one line item of a Quote.
type PerFileQuote struct {
	TempID      string  `json:"tempId"`
	SizeMiB     float64 `json:"sizeMiB"`
	Epochs      int     `json:"epochs"`
	StorageDays int     `json:"storageDays"`
	CostSUI     float64 `json:"costSUI"`
	CostUSD     float64 `json:"costUSD"`
}

// Quote is the short-lived, single-use price binding described in spec.md §4.1.
type Quote struct {
	QuoteID        string         `json:"quoteId"`
	UserID         string         `json:"userId"`
	Files          []PerFileQuote `json:"perFile"`
	TotalCostUSD   float64        `json:"totalCostUSD"`
	TotalCostSUI   float64        `json:"totalCostSUI"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	FallbackPrices bool           `json:"fallbackPrices"`
}

// QuoteTTL is the fixed lifetime of a minted Quote.
const QuoteTTL = 5 * time.Minute

// Expired reports whether the quote is no longer usable at instant now.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// File is the persistent, server-side record described in spec.md §3.
// Invariant: Status == FileCompleted implies BlobID != "".
type File struct {
	FileID         string     `json:"fileId"`
	UserID         string     `json:"userId"`
	Filename       string     `json:"filename"`
	ContentType    string     `json:"contentType"`
	OriginalSize   int64      `json:"originalSize"`
	Epochs         int        `json:"epochs"`
	Status         FileStatus `json:"status"`
	StagedKey      string     `json:"stagedKey,omitempty"`
	TempBlobID     string     `json:"tempBlobId,omitempty"`
	BlobID         string     `json:"blobId,omitempty"`
	BlobObjectID   string     `json:"blobObjectId,omitempty"`
	Encrypted      bool       `json:"encrypted"`
	UploadedAt     time.Time  `json:"uploadedAt"`
	LastAccessedAt time.Time  `json:"lastAccessedAt"`
	FolderID       string     `json:"folderId,omitempty"`
}

// Complete reports whether the invariant File.Completed => BlobID != "" holds.
func (f *File) Complete() bool {
	return f.Status == FileCompleted && f.BlobID != ""
}

// Transaction is the append-only ledger row described in spec.md §3.
type Transaction struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Amount       float64         `json:"amount"`
	Currency     string          `json:"currency"`
	Type         TransactionType `json:"type"`
	Description  string          `json:"description"`
	Reference    string          `json:"reference,omitempty"`
	BalanceAfter float64         `json:"balanceAfter"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Folder supplements the distilled spec: File.folderId and
// QueuedUpload.folderId reference a Folder record by id. No store persists
// Folder records and no endpoint resolves a folder id to its name.
type Folder struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}
