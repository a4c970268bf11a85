// Package registry implements the on-chain per-user file registry client
// described in spec.md §4.7: ensureRegistry resolves (or lazily creates) a
// user's shared registry object by scanning RegistryCreated events;
// registerFile invokes the register_file entry function through the same
// per-wallet queue the dispatcher uses for every other signed transaction,
// so registry writes observe the same ordering guarantees. Grounded on the
// teacher's walletserver/services/wallet_service.go call shape (derive
// address, sign, submit).
package registry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mysten-labs-capstone/walrus-sub003/internal/apierr"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/chainrpc"
	"github.com/mysten-labs-capstone/walrus-sub003/internal/wallet"
)

// EventRegistryCreated is the on-chain event type ensureRegistry scans for.
const EventRegistryCreated = "RegistryCreated"

// PagesPerScan and PageSize match spec.md §4.7's documented paging bound.
const (
	PagesPerScan = 5
	PageSize     = 50
)

// signer is the narrow wallet capability this package needs.
type signer interface {
	SignForUser(userID string, digest []byte) (sig []byte, addr wallet.Address, err error)
	AddressForUser(userID string) (wallet.Address, error)
}

// Client resolves and writes to a user's on-chain file registry.
type Client struct {
	chain  chainrpc.Client
	wallet signer
}

// New builds a registry Client over the given chain RPC collaborator and
// signer.
func New(chain chainrpc.Client, w signer) *Client {
	return &Client{chain: chain, wallet: w}
}

// EnsureRegistry resolves userID's registry object id, creating one
// on-chain if none exists yet (spec.md §4.7).
func (c *Client) EnsureRegistry(ctx context.Context, userID string) (registryID string, err error) {
	addr, err := c.addressFor(userID)
	if err != nil {
		return "", err
	}

	registryID, found, err := c.scanForOwner(ctx, addr)
	if err != nil {
		return "", err
	}
	if found {
		return registryID, nil
	}

	logrus.WithField("owner", addr.Short()).Info("registry: no RegistryCreated event found, creating registry")
	if err := c.createRegistry(ctx, userID, addr); err != nil {
		return "", err
	}

	registryID, found, err = c.scanForOwner(ctx, addr)
	if err != nil {
		return "", err
	}
	if !found {
		return "", apierr.New(apierr.ChainRejected, "registry: create_registry submitted but RegistryCreated event not observed on rescan")
	}
	return registryID, nil
}

func (c *Client) scanForOwner(ctx context.Context, owner wallet.Address) (registryID string, found bool, err error) {
	events, err := c.chain.QueryEvents(ctx, EventRegistryCreated, PagesPerScan, PageSize)
	if err != nil {
		return "", false, apierr.Wrap(apierr.ChainRejected, "registry: query RegistryCreated events", err)
	}
	for _, ev := range events {
		ownerField, _ := ev.Fields["owner"].(string)
		if ownerField != owner.Hex() {
			continue
		}
		registryID, _ = ev.Fields["registry_id"].(string)
		if registryID != "" {
			return registryID, true, nil
		}
	}
	return "", false, nil
}

func (c *Client) createRegistry(ctx context.Context, userID string, addr wallet.Address) error {
	payload := fmt.Sprintf("create_registry:owner=%s", addr.Hex())
	sig, signAddr, err := c.wallet.SignForUser(userID, []byte(payload))
	if err != nil {
		return apierr.Wrap(apierr.Unknown, "registry: sign create_registry", err)
	}
	_, err = c.chain.SignAndExecute(ctx, chainrpc.SignedTx{Sender: signAddr, Digest: sig, Payload: []byte(payload)})
	if err != nil {
		return apierr.Wrap(apierr.ChainRejected, "registry: create_registry transaction rejected", err)
	}
	return nil
}

func (c *Client) addressFor(userID string) (wallet.Address, error) {
	addr, err := c.wallet.AddressForUser(userID)
	if err != nil {
		return wallet.Address{}, apierr.Wrap(apierr.Unknown, "registry: derive user address", err)
	}
	return addr, nil
}

// RegisterFile invokes register_file(registry, owner, fileId, blobId,
// encrypted, expirationEpoch) as a single entry-function call. Callers are
// responsible for ordering this after the certify transaction through the
// same per-wallet queue (spec.md §4.5 step 7); this method itself performs
// no ordering.
func (c *Client) RegisterFile(ctx context.Context, userID, registryID string, fileID32 [32]byte, blobID []byte, encrypted bool, expirationEpoch uint64) error {
	payload := fmt.Sprintf("register_file:registry=%s:fileId=%x:blobId=%x:encrypted=%v:expirationEpoch=%d",
		registryID, fileID32, blobID, encrypted, expirationEpoch)

	sig, addr, err := c.wallet.SignForUser(userID, []byte(payload))
	if err != nil {
		return apierr.Wrap(apierr.Unknown, "registry: sign register_file", err)
	}

	_, err = c.chain.SignAndExecute(ctx, chainrpc.SignedTx{Sender: addr, Digest: sig, Payload: []byte(payload)})
	if err != nil {
		return apierr.Wrap(apierr.ChainRejected, "registry: register_file transaction rejected", err)
	}
	return nil
}
