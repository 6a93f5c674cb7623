/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplicationBufferRoundTrip(t *testing.T) {
	t.Parallel()

	buffer := NewReplicationBuffer()
	require.Zero(t, buffer.Len())

	payload := bytes.Repeat([]byte("colo"), 256)
	writer, err := buffer.OpenWriter()
	require.NoError(t, err)
	n, err := writer.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, writer.Close())
	require.Equal(t, len(payload), buffer.Len())

	reader, err := buffer.OpenReader()
	require.NoError(t, err)
	readBack := bytes.NewBuffer(nil)
	_, err = io.Copy(readBack, reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.Equal(t, payload, readBack.Bytes())
}

func TestReplicationBufferExclusiveViews(t *testing.T) {
	t.Parallel()

	buffer := NewReplicationBuffer()
	writer, err := buffer.OpenWriter()
	require.NoError(t, err)

	_, err = buffer.OpenReader()
	require.ErrorIs(t, err, ErrBufferBusy)
	_, err = buffer.OpenWriter()
	require.ErrorIs(t, err, ErrBufferBusy)
	require.ErrorIs(t, buffer.Reset(), ErrBufferBusy)

	require.NoError(t, writer.Close())
	reader, err := buffer.OpenReader()
	require.NoError(t, err)
	require.NoError(t, reader.Close())
}

func TestReplicationBufferReset(t *testing.T) {
	t.Parallel()

	buffer := NewReplicationBuffer()
	writer, err := buffer.OpenWriter()
	require.NoError(t, err)
	_, err = writer.Write([]byte("stale state"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NotZero(t, buffer.Len())

	require.NoError(t, buffer.Reset())
	require.Zero(t, buffer.Len())
	// Reset is idempotent.
	require.NoError(t, buffer.Reset())

	reader, err := buffer.OpenReader()
	require.NoError(t, err)
	var scratch [16]byte
	_, err = reader.Read(scratch[:])
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, reader.Close())
}

func TestReplicationBufferGrowsPastBaseSize(t *testing.T) {
	t.Parallel()

	buffer := NewReplicationBuffer()
	chunk := bytes.Repeat([]byte{0xab}, 1<<20)
	writer, err := buffer.OpenWriter()
	require.NoError(t, err)
	total := 0
	for total <= bufferBaseSize {
		n, err := writer.Write(chunk)
		require.NoError(t, err)
		total += n
	}
	require.NoError(t, writer.Close())
	require.Equal(t, total, buffer.Len())
	require.Greater(t, buffer.Len(), bufferBaseSize)
}

func TestReplicationBufferClosedViews(t *testing.T) {
	t.Parallel()

	buffer := NewReplicationBuffer()
	writer, err := buffer.OpenWriter()
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	_, err = writer.Write([]byte("late"))
	require.ErrorIs(t, err, ErrBufferViewClosed)

	reader, err := buffer.OpenReader()
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	require.NoError(t, reader.Close())
	var scratch [4]byte
	_, err = reader.Read(scratch[:])
	require.ErrorIs(t, err, ErrBufferViewClosed)
}
