package pool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/smartdrive/common"
	"github.com/tos-network/smartdrive/crypto"
	"github.com/tos-network/smartdrive/p2p"
)

func TestActiveValidatorsExcludesSelf(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	self := k.Address()
	p := New(self, k, time.Minute)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	p.Add(self, c1)
	p.Add(common.Address("other"), c2)

	active := p.ActiveValidators()
	require.Equal(t, []common.Address{"other"}, active)
}

func TestDialAndAddRegistersConnOnSuccess(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	p := New(k.Address(), k, time.Minute)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	conn, err := p.DialAndAdd("peer-1", "tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Contains(t, p.ActiveValidators(), common.Address("peer-1"))
}

func TestDialAndAddLeavesNoEntryOnFailure(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	p := New(k.Address(), k, time.Minute)

	_, err = p.DialAndAdd("peer-1", "tcp", "127.0.0.1:1", time.Second)
	require.Error(t, err)
	require.Empty(t, p.ActiveValidators())
}

func TestBroadcastDeliversFrame(t *testing.T) {
	k, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	p := New(k.Address(), k, time.Minute)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	p.Add("peer-1", serverConn)

	done := make(chan *p2p.Frame, 1)
	go func() {
		f, err := p2p.ReadFrame(clientConn)
		if err != nil {
			done <- nil
			return
		}
		done <- f
	}()

	frame, err := p2p.BuildFrame(p2p.Body{Code: p2p.CodePing, Data: []byte(`{}`)}, k)
	require.NoError(t, err)
	p.Broadcast(frame)

	select {
	case got := <-done:
		require.NotNil(t, got)
		require.Equal(t, p2p.CodePing, got.Body.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast frame")
	}
}
