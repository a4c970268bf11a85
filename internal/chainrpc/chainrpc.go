// Package chainrpc models the blockchain RPC collaborator that spec.md §1
// explicitly scopes out of this core: "blockchain RPC plumbing (treated as
// an external collaborator exposing signAndExecute, queryEvents,
// getObject)". This package defines that narrow contract plus a mock used
// throughout the dispatcher and registry tests, and a thin JSON-RPC HTTP
// client implementation for production wiring.
package chainrpc

import (
	"context"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
)

// SignedTx is an already-signed transaction ready for submission.
type SignedTx struct {
	Sender  wallet.Address
	Digest  []byte
	Payload []byte // opaque move-call payload built by the caller
}

// ExecutionResult is what the chain returns after a transaction lands.
type ExecutionResult struct {
	Digest  string
	Events  []Event
	Effects map[string]any
}

// Event is a single on-chain event, e.g. RegistryCreated.
type Event struct {
	Type   string
	Fields map[string]any
}

// Object is the on-chain object a getObject call resolves.
type Object struct {
	ID       string
	Type     string
	Contents map[string]any
}

// Client is the narrow RPC surface the registry and Walrus relay clients
// are built on.
type Client interface {
	// SignAndExecute submits a pre-signed transaction and blocks for
	// inclusion, returning the resulting digest and any emitted events.
	SignAndExecute(ctx context.Context, tx SignedTx) (ExecutionResult, error)

	// QueryEvents pages through events of the given type, most-recent
	// first, up to maxPages pages of pageSize each (registry.go paging
	// matches spec.md §4.7: "paged, up to 5 pages of 50").
	QueryEvents(ctx context.Context, eventType string, maxPages, pageSize int) ([]Event, error)

	// GetObject resolves a single on-chain object by id.
	GetObject(ctx context.Context, objectID string) (Object, error)
}
