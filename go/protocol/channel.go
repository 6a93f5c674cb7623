/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// controlWordSize: control codes and payload lengths travel as
// big-endian 8-byte words.
const controlWordSize = 8

// ControlChannel frames control words and checkpoint payloads over a
// single duplex stream. Writes flush eagerly; the protocol is strictly
// turn-based and an unflushed word would deadlock both endpoints. The
// channel does not own the underlying stream and never closes it.
type ControlChannel struct {
	reader *bufio.Reader
	writer *bufio.Writer
}

func NewControlChannel(stream io.ReadWriter) *ControlChannel {
	return &ControlChannel{
		reader: bufio.NewReader(stream),
		writer: bufio.NewWriter(stream),
	}
}

// PutCode sends one control code and flushes it to the peer.
func (this *ControlChannel) PutCode(code ControlCode) error {
	return this.PutUint64(uint64(code))
}

// GetCode blocks until the next control code arrives. No timeout is
// applied; a stalled peer surfaces as an I/O error when the transport
// is torn down, or through the surrounding heartbeat machinery.
func (this *ControlChannel) GetCode() (ControlCode, error) {
	value, err := this.GetUint64()
	return ControlCode(value), err
}

func (this *ControlChannel) PutUint64(value uint64) error {
	var word [controlWordSize]byte
	binary.BigEndian.PutUint64(word[:], value)
	if _, err := this.writer.Write(word[:]); err != nil {
		return err
	}
	return this.writer.Flush()
}

func (this *ControlChannel) GetUint64() (uint64, error) {
	var word [controlWordSize]byte
	if _, err := io.ReadFull(this.reader, word[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(word[:]), nil
}

// SendBuffer announces the buffer's byte length, then streams its
// contents and flushes. The buffer must be idle; the reader view is
// closed before returning.
func (this *ControlChannel) SendBuffer(buffer *ReplicationBuffer) error {
	reader, err := buffer.OpenReader()
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := this.PutUint64(uint64(buffer.Len())); err != nil {
		return err
	}
	if _, err := io.Copy(this.writer, reader); err != nil {
		return err
	}
	return this.writer.Flush()
}

// ReceiveBuffer reads the announced byte length, then exactly that
// many state bytes into the buffer. A short read is fatal: partial
// state must never reach the guest, so the error must end the session.
func (this *ControlChannel) ReceiveBuffer(buffer *ReplicationBuffer) (int64, error) {
	total, err := this.GetUint64()
	if err != nil {
		return 0, err
	}
	writer, err := buffer.OpenWriter()
	if err != nil {
		return 0, err
	}
	defer writer.Close()
	n, err := io.CopyN(writer, this.reader, int64(total))
	if err != nil {
		return n, fmt.Errorf("short checkpoint read: got %d of %d state bytes: %w", n, total, err)
	}
	return n, nil
}
