package walrus

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// FallbackClient tries the relay path first and falls back to the direct
// multi-node path on a "tip too low" or unrecoverable relay register error
// (spec.md §4.5). A successful direct write is equivalent to a successful
// relay write, so callers only ever see a single WriteResult.
type FallbackClient struct {
	relay  Client
	direct Client
}

// NewFallbackClient composes a relay-first, direct-fallback Client.
func NewFallbackClient(relay, direct Client) *FallbackClient {
	return &FallbackClient{relay: relay, direct: direct}
}

func (c *FallbackClient) WriteBlob(ctx context.Context, req WriteRequest) (WriteResult, error) {
	res, err := c.relay.WriteBlob(ctx, req)
	if err == nil {
		return res, nil
	}
	if !shouldFallBackToDirect(err) {
		return WriteResult{}, err
	}

	logrus.WithFields(logrus.Fields{
		"user":  req.UserID,
		"cause": err.Error(),
	}).Warn("walrus: relay register rejected, falling back to direct writeBlob")

	return c.direct.WriteBlob(ctx, req)
}

func shouldFallBackToDirect(err error) bool {
	if errors.Is(err, ErrTipTooLow) {
		return true
	}
	return strings.Contains(err.Error(), "register transaction rejected")
}

var _ Client = (*FallbackClient)(nil)
