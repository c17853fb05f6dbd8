package leveldb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/smartdrive/chain"
	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendBlockAndRetrieve(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.AppendBlock(&chain.Block{BlockNumber: 1, ProposerAddress: "v1"}))
	require.ErrorIs(t, s.AppendBlock(&chain.Block{BlockNumber: 1}), store.ErrBlockNumberMismatch)

	last, err := s.LastBlockNumber()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last)

	b, err := s.GetBlock(1)
	require.NoError(t, err)
	require.Equal(t, common.Address("v1"), b.ProposerAddress)
}

func TestChunkAndFileLifecycle(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.InsertFile(store.FileRecord{FileUUID: "f1", OwnerAddress: "owner"}))
	require.NoError(t, s.InsertChunkRecords([]store.ChunkRecord{
		{ChunkUUID: "c1", FileUUID: "f1", ChunkIndex: 0, SubChunkEncoded: "aa"},
		{ChunkUUID: "c2", FileUUID: "f1", ChunkIndex: 1, SubChunkEncoded: "bb"},
	}))
	chunks, err := s.GetChunksForFile("f1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	require.NoError(t, s.DeleteFile("f1"))
	chunks, err = s.GetChunksForFile("f1")
	require.NoError(t, err)
	require.Empty(t, chunks)
}

func TestPendingValidationsOrderedByDueTime(t *testing.T) {
	s := openTest(t)
	require.NoError(t, s.InsertValidationEvents([]chain.Event{{UUID: "late"}}, 200))
	require.NoError(t, s.InsertValidationEvents([]chain.Event{{UUID: "early"}}, 100))

	due, err := s.PopDueValidations(150, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "early", due[0].Event.UUID)

	due, err = s.PopDueValidations(1000, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "late", due[0].Event.UUID)
}
