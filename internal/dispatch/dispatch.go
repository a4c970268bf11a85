// Package dispatch implements the heart of the upload broker (spec.md
// §4.5): a process-wide singleton that owns one FIFO queue per wallet,
// enforces global and per-user in-flight bounds, and drives the
// encode->register->upload->certify protocol through internal/walrus,
// followed by a staged-object rename and an on-chain registry update.
//
// The per-wallet FIFO is a correctness requirement, not a tuning choice:
// the underlying chain models coins as objects owned by an address, and two
// concurrent transactions signed by the same address can select
// overlapping coin inputs, one being rejected by validators. Grounded on
// the teacher's core/escrow.go and core/ledger.go mutex-guarded
// single-writer patterns, generalized from one mutex to a per-wallet
// worker-loop keyed map.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/domain"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/intake"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/registry"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/staging"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/walrus"
)

// Fixed bounds from spec.md §4.5.
const (
	MaxGlobalConcurrent  = 6
	MaxPerUserConcurrent = 2
)

// AdmissionPollInterval is how long a blocked item sleeps before rechecking
// the in-flight counters.
const AdmissionPollInterval = 1 * time.Second

// InterItemPause separates consecutive items on the same wallet, letting
// on-chain coin state settle (spec.md §4.5).
const InterItemPause = 100 * time.Millisecond

// DefaultDeadline is the total timeout for the three-phase protocol
// (spec.md §4.5), configurable per Dispatcher instance.
const DefaultDeadline = 120 * time.Second

// StagedObjectStore is the narrow staging capability the dispatcher needs
// beyond Store's put/get: renaming a pending object onto its final key.
type StagedObjectStore interface {
	staging.Store
	Rename(ctx context.Context, oldKey, newKey string) error
}

// signer derives the wallet address a user's operations bind to.
type signer interface {
	AddressForUser(userID string) (wallet.Address, error)
}

// Result is what a successful dispatch produces (spec.md §4.5's public
// surface: dispatch(fileId) -> {blobId, blobObjectId}).
type Result struct {
	BlobID       string
	BlobObjectID string
}

// workItem is a single queued dispatch request bound to one wallet.
type workItem struct {
	fileID string
	userID string
	result chan itemOutcome
}

type itemOutcome struct {
	res Result
	err error
}

// Dispatcher is the process-wide singleton described in spec.md §4.5.
type Dispatcher struct {
	Files           intake.FileStore
	Staging         StagedObjectStore
	Walrus          walrus.Client
	Wallet          signer
	Registry        *registry.Client
	RelayTipMaxMIST uint64
	Deadline        time.Duration

	mu          sync.Mutex
	walletQueue map[wallet.Address]chan workItem
	started     map[wallet.Address]bool

	globalSem chan struct{}
	userMu    sync.Mutex
	userCount map[string]int
}

// New constructs a Dispatcher; call Start once before submitting work.
func New(files intake.FileStore, store StagedObjectStore, w walrus.Client, signerImpl signer, reg *registry.Client, relayTipMaxMIST uint64) *Dispatcher {
	if relayTipMaxMIST == 0 {
		relayTipMaxMIST = 50000
	}
	return &Dispatcher{
		Files:           files,
		Staging:         store,
		Walrus:          w,
		Wallet:          signerImpl,
		Registry:        reg,
		RelayTipMaxMIST: relayTipMaxMIST,
		Deadline:        DefaultDeadline,
		walletQueue:     make(map[wallet.Address]chan workItem),
		started:         make(map[wallet.Address]bool),
		globalSem:       make(chan struct{}, MaxGlobalConcurrent),
		userCount:       make(map[string]int),
	}
}

// Dispatch enqueues fileId onto its owning wallet's FIFO and blocks until
// that item has been processed (success or failure). The public surface
// matches spec.md §4.5: dispatch(fileId) -> {blobId, blobObjectId}.
func (d *Dispatcher) Dispatch(ctx context.Context, fileID, userID string) (Result, error) {
	addr, err := d.Wallet.AddressForUser(userID)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Unknown, "dispatch: derive wallet address", err)
	}

	queue := d.queueFor(addr)
	item := workItem{fileID: fileID, userID: userID, result: make(chan itemOutcome, 1)}

	select {
	case queue <- item:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case out := <-item.result:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// queueFor returns the FIFO channel for addr, starting its processor loop
// on first use.
func (d *Dispatcher) queueFor(addr wallet.Address) chan workItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, ok := d.walletQueue[addr]
	if !ok {
		ch = make(chan workItem, 64)
		d.walletQueue[addr] = ch
	}
	if !d.started[addr] {
		d.started[addr] = true
		go d.walletLoop(addr, ch)
	}
	return ch
}

// walletLoop processes at most one item at a time for a single wallet,
// enforcing admission control and the inter-item settle pause.
func (d *Dispatcher) walletLoop(addr wallet.Address, ch chan workItem) {
	for item := range ch {
		d.awaitAdmission(item.userID)

		res, err := d.dispatchOne(context.Background(), item.fileID, item.userID)
		d.release(item.userID)

		item.result <- itemOutcome{res: res, err: err}
		time.Sleep(InterItemPause)
	}
}

// awaitAdmission blocks (bounded 1s poll) until both the global and
// per-user in-flight counters have headroom, then reserves a slot in each.
func (d *Dispatcher) awaitAdmission(userID string) {
	for {
		d.userMu.Lock()
		if d.userCount[userID] < MaxPerUserConcurrent {
			select {
			case d.globalSem <- struct{}{}:
				d.userCount[userID]++
				d.userMu.Unlock()
				return
			default:
				d.userMu.Unlock()
			}
		} else {
			d.userMu.Unlock()
		}
		time.Sleep(AdmissionPollInterval)
	}
}

// release decrements both counters on a guaranteed path (success or
// failure); called exactly once per admitted item.
func (d *Dispatcher) release(userID string) {
	<-d.globalSem
	d.userMu.Lock()
	d.userCount[userID]--
	d.userMu.Unlock()
}

// dispatchOne runs the full dispatch body for a single file (spec.md §4.5
// steps 1-7).
func (d *Dispatcher) dispatchOne(parent context.Context, fileID, userID string) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, d.Deadline)
	defer cancel()

	f, ok, err := d.Files.Get(fileID)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: read file %s: %w", fileID, err)
	}
	if !ok {
		return Result{}, apierr.New(apierr.NotFound, "dispatch: file not found")
	}
	if f.Status == domain.FileCompleted {
		return Result{BlobID: f.BlobID, BlobObjectID: f.BlobObjectID}, apierr.New(apierr.AlreadyCompleted, "dispatch: file already completed")
	}
	if f.Status != domain.FilePending && f.Status != domain.FileFailed {
		return Result{}, apierr.New(apierr.InputInvalid, fmt.Sprintf("dispatch: file %s not eligible for dispatch in status %s", fileID, f.Status))
	}

	// Step 1: mark processing.
	f.Status = domain.FileProcessing
	if err := d.Files.Update(f); err != nil {
		return Result{}, fmt.Errorf("dispatch: mark processing: %w", err)
	}

	// Step 2: fetch staged bytes.
	bytesPayload, err := d.Staging.Get(ctx, f.StagedKey)
	if err != nil {
		d.markFailed(f, "staging fetch failed: "+err.Error())
		return Result{}, err
	}

	addr, err := d.Wallet.AddressForUser(userID)
	if err != nil {
		d.markFailed(f, "wallet address derivation failed")
		return Result{}, apierr.Wrap(apierr.Unknown, "dispatch: derive wallet address", err)
	}

	// Step 3: encode -> register -> upload -> certify.
	writeRes, err := d.Walrus.WriteBlob(ctx, walrus.WriteRequest{
		UserID:      userID,
		Owner:       addr,
		Bytes:       bytesPayload,
		Epochs:      f.Epochs,
		Deletable:   true,
		RelayTipMax: d.RelayTipMaxMIST,
	})
	if err != nil {
		return d.classifyProtocolFailure(f, err)
	}

	// Steps 4-6: record the blob identity, rename the staged object, mark
	// completed.
	newKey := staging.FinalKey(userID, writeRes.BlobID, f.Filename)
	if err := d.Staging.Rename(ctx, f.StagedKey, newKey); err != nil {
		logrus.WithError(err).WithField("file", fileID).Warn("dispatch: staged object rename failed, keeping pending key on record")
		newKey = f.StagedKey
	}

	f.Status = domain.FileCompleted
	f.BlobID = writeRes.BlobID
	f.BlobObjectID = writeRes.BlobObjectID
	f.StagedKey = newKey
	if err := d.Files.Update(f); err != nil {
		return Result{}, fmt.Errorf("dispatch: mark completed: %w", err)
	}

	// Step 7: ensure registry, then register_file, ordered after certify
	// through the same per-wallet queue (this call already runs inside the
	// wallet's single-flight loop).
	if d.Registry != nil {
		if err := d.recordRegistry(ctx, userID, f, writeRes); err != nil {
			logrus.WithError(err).WithField("file", fileID).Error("dispatch: registry update failed after successful certify")
		}
	}

	return Result{BlobID: writeRes.BlobID, BlobObjectID: writeRes.BlobObjectID}, nil
}

func (d *Dispatcher) recordRegistry(ctx context.Context, userID string, f domain.File, writeRes walrus.WriteResult) error {
	registryID, err := d.Registry.EnsureRegistry(ctx, userID)
	if err != nil {
		return err
	}

	var fileID32 [32]byte
	copy(fileID32[:], f.FileID)

	expirationEpoch := uint64(f.Epochs)
	return d.Registry.RegisterFile(ctx, userID, registryID, fileID32, []byte(writeRes.BlobID), f.Encrypted, expirationEpoch)
}

// classifyProtocolFailure implements the error taxonomy spec.md §4.5
// documents for step 3 failures.
func (d *Dispatcher) classifyProtocolFailure(f domain.File, err error) (Result, error) {
	switch apierr.As(err) {
	case apierr.ConfirmationTimeout:
		// NotEnoughBlobConfirmationsError with a parseable blobId is
		// already resolved to a WriteResult by internal/walrus before this
		// point in the success path; reaching here means certify itself
		// could not be confirmed and no blobId was recoverable.
		d.markFailed(f, "confirmation timeout: "+err.Error())
		return Result{}, err
	case apierr.ChainRejected:
		d.markFailed(f, "chain rejected: "+err.Error())
		return Result{}, err
	default:
		// Transport errors, 5xx, timeouts: leave the file pending so a
		// retry can proceed through the same wallet FIFO.
		f.Status = domain.FilePending
		if uerr := d.Files.Update(f); uerr != nil {
			logrus.WithError(uerr).WithField("file", f.FileID).Error("dispatch: failed to revert status to pending after transient error")
		}
		return Result{}, err
	}
}

func (d *Dispatcher) markFailed(f domain.File, message string) {
	f.Status = domain.FileFailed
	if err := d.Files.Update(f); err != nil {
		logrus.WithError(err).WithField("file", f.FileID).Error("dispatch: failed to persist failed status")
	}
	logrus.WithFields(logrus.Fields{"file": f.FileID, "user": f.UserID}).WithError(errors.New(message)).Error("dispatch: file failed")
}
