package placement

import (
	"context"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/minerclient"
	"github.com/tos-network/smartdrive/store"
)

// clientAdapter narrows a *minerclient.Client to the minerRPC interface,
// translating its *minerclient.StoreResult into the package-local
// storeResult the engine works with.
type clientAdapter struct {
	c *minerclient.Client
}

func (a *clientAdapter) Store(ctx context.Context, conn common.Connection, folder common.Address, chunk []byte) (*storeResult, error) {
	res, err := a.c.Store(ctx, conn, folder, chunk)
	if err != nil {
		return nil, err
	}
	return &storeResult{ChunkUUID: res.ChunkUUID}, nil
}

func (a *clientAdapter) Remove(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string) error {
	return a.c.Remove(ctx, conn, folder, chunkUUID)
}

func (a *clientAdapter) Retrieve(ctx context.Context, conn common.Connection, folder common.Address, chunkUUID string) ([]byte, error) {
	return a.c.Retrieve(ctx, conn, folder, chunkUUID)
}

// NewFromMinerClient builds an Engine backed by a real minerclient.Client.
func NewFromMinerClient(c *minerclient.Client, s store.Store) *Engine {
	return New(&clientAdapter{c: c}, s)
}
