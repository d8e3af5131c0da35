package ffa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox(t *testing.T) {
	var mb Mailbox

	_, err := mb.WriteTX(make([]byte, MailboxSize+1))
	requireCode(t, err, InvalidParameters)
	n, err := mb.WriteTX([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	snap, err := mb.snapshotTX(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0}, snap)
	_, err = mb.WriteTX([]byte{9})
	require.NoError(t, err)
	assert.Equal(t, byte(1), snap[0], "snapshot must not alias TX")
	_, err = mb.snapshotTX(MailboxSize + 1)
	requireCode(t, err, InvalidParameters)

	_, _, ok := mb.ReadRX()
	assert.False(t, ok)
	requireCode(t, mb.release(), Denied)

	require.NoError(t, mb.deliver(FuncMemRetrieveResp, []byte("resp")))
	assert.True(t, mb.rxFull())
	require.ErrorIs(t, mb.deliver(FuncMemFragTX, []byte("next")), ErrRXBusy)

	msg, f, ok := mb.ReadRX()
	require.True(t, ok)
	assert.Equal(t, FuncMemRetrieveResp, f)
	assert.Equal(t, []byte("resp"), msg)

	require.NoError(t, mb.release())
	assert.False(t, mb.rxFull())
	requireCode(t, mb.deliver(FuncMemFragTX, make([]byte, MailboxSize+1)), InvalidParameters)
}
