package walrus

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/chainrpc"
)

// StorageNode is a single node in the Walrus network's multi-node fan-out,
// accepting a direct sliver write outside the relay's register/upload flow.
type StorageNode interface {
	WriteSliver(ctx context.Context, blobDigest string, shard int, data []byte) error
}

// DirectClient is the Walrus client's built-in multi-node fan-out path,
// used when the relay rejects the register transaction (spec.md §4.5:
// "tip too low" or unrecoverable relay error). It still performs the same
// register/certify chain transactions; only the sliver transport differs.
type DirectClient struct {
	chain  chainrpc.Client
	wallet signer
	nodes  []StorageNode
}

// NewDirectClient builds a direct-write fallback Client fanning out to the
// given set of storage nodes.
func NewDirectClient(chain chainrpc.Client, w signer, nodes []StorageNode) *DirectClient {
	return &DirectClient{chain: chain, wallet: w, nodes: nodes}
}

func (c *DirectClient) WriteBlob(ctx context.Context, req WriteRequest) (WriteResult, error) {
	if len(c.nodes) == 0 {
		return WriteResult{}, apierr.New(apierr.Unknown, "walrus: no direct storage nodes configured")
	}

	size := encodedSize(len(req.Bytes))
	payload := fmt.Sprintf("register-direct:epochs=%d:deletable=%v:size=%d", req.Epochs, req.Deletable, size)
	sig, addr, err := c.wallet.SignForUser(req.UserID, []byte(payload))
	if err != nil {
		return WriteResult{}, apierr.Wrap(apierr.Unknown, "walrus: sign direct register", err)
	}

	regRes, err := c.chain.SignAndExecute(ctx, chainrpc.SignedTx{Sender: addr, Digest: sig, Payload: []byte(payload)})
	if err != nil {
		return WriteResult{}, apierr.Wrap(apierr.ChainRejected, "walrus: direct register transaction rejected", err)
	}

	if err := c.fanOut(ctx, regRes.Digest, req.Bytes); err != nil {
		return WriteResult{}, err
	}

	certPayload := fmt.Sprintf("certify-direct:digest=%s", regRes.Digest)
	certSig, certAddr, err := c.wallet.SignForUser(req.UserID, []byte(certPayload))
	if err != nil {
		return WriteResult{}, apierr.Wrap(apierr.Unknown, "walrus: sign direct certify", err)
	}

	certRes, err := c.chain.SignAndExecute(ctx, chainrpc.SignedTx{Sender: certAddr, Digest: certSig, Payload: []byte(certPayload)})
	if err != nil {
		if blobID, ok := parseConfirmationTimeout(err); ok {
			return WriteResult{BlobID: blobID, BlobObjectID: certRes.Digest}, nil
		}
		return WriteResult{}, apierr.Wrap(apierr.ConfirmationTimeout, "walrus: direct certify transaction rejected", err)
	}

	blobID, blobObjectID := extractBlobIdentity(certRes)
	return WriteResult{BlobID: blobID, BlobObjectID: blobObjectID}, nil
}

// fanOut writes a shard of the payload to every configured node
// concurrently and requires all to succeed, mirroring the network's own
// erasure-coded durability guarantee (each node holds a distinct shard, so
// a single node failure must abort the write rather than silently reduce
// redundancy).
func (c *DirectClient) fanOut(ctx context.Context, digest string, data []byte) error {
	shardSize := (len(data) + len(c.nodes) - 1) / len(c.nodes)
	if shardSize == 0 {
		shardSize = 1
	}

	var wg sync.WaitGroup
	errs := make([]error, len(c.nodes))
	for i, node := range c.nodes {
		start := i * shardSize
		if start > len(data) {
			start = len(data)
		}
		end := start + shardSize
		if end > len(data) {
			end = len(data)
		}
		shard := data[start:end]

		wg.Add(1)
		go func(i int, node StorageNode, shard []byte) {
			defer wg.Done()
			errs[i] = node.WriteSliver(ctx, digest, i, shard)
		}(i, node, shard)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			logrus.WithError(err).WithField("shard", i).Warn("walrus: direct sliver write failed")
			return apierr.Wrap(apierr.Unknown, "walrus: direct fan-out failed", err)
		}
	}
	return nil
}

var _ Client = (*DirectClient)(nil)
