/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package protocol

import (
	"errors"
	"io"
	"sync"
)

// bufferBaseSize is the initial capacity of a replication buffer. A
// typical guest image fits in a few megabytes; the buffer grows on
// demand past this.
const bufferBaseSize = 4000000

var (
	// ErrBufferBusy is returned when a buffer operation requires the
	// buffer to be idle but a view is still open.
	ErrBufferBusy = errors.New("replication buffer has an open view")
	// ErrBufferViewClosed is returned on use of a closed view.
	ErrBufferViewClosed = errors.New("replication buffer view is closed")
)

type bufferMode int

const (
	bufferIdle bufferMode = iota
	bufferWriting
	bufferReading
)

// ReplicationBuffer holds one checkpoint's worth of captured machine
// state between capture and send (primary side) or between receive and
// apply (secondary side). At most one writer view or one reader view
// may be open at a time, never both; Reset between checkpoints returns
// the buffer to logical length zero without releasing capacity.
type ReplicationBuffer struct {
	mu   sync.Mutex
	data []byte
	mode bufferMode
}

func NewReplicationBuffer() *ReplicationBuffer {
	return &ReplicationBuffer{data: make([]byte, 0, bufferBaseSize)}
}

// Len returns the logical length: the number of state bytes currently
// buffered.
func (this *ReplicationBuffer) Len() int {
	this.mu.Lock()
	defer this.mu.Unlock()
	return len(this.data)
}

// Reset drops buffered state so the next checkpoint starts empty. It
// refuses to run while a view is open.
func (this *ReplicationBuffer) Reset() error {
	this.mu.Lock()
	defer this.mu.Unlock()
	if this.mode != bufferIdle {
		return ErrBufferBusy
	}
	this.data = this.data[:0]
	return nil
}

// OpenWriter opens the exclusive append view used to fill the buffer.
func (this *ReplicationBuffer) OpenWriter() (*BufferWriter, error) {
	this.mu.Lock()
	defer this.mu.Unlock()
	if this.mode != bufferIdle {
		return nil, ErrBufferBusy
	}
	this.mode = bufferWriting
	return &BufferWriter{buffer: this}, nil
}

// OpenReader opens the exclusive consume view, positioned at the first
// buffered byte.
func (this *ReplicationBuffer) OpenReader() (*BufferReader, error) {
	this.mu.Lock()
	defer this.mu.Unlock()
	if this.mode != bufferIdle {
		return nil, ErrBufferBusy
	}
	this.mode = bufferReading
	return &BufferReader{buffer: this}, nil
}

func (this *ReplicationBuffer) closeView(mode bufferMode) {
	this.mu.Lock()
	defer this.mu.Unlock()
	if this.mode == mode {
		this.mode = bufferIdle
	}
}

// BufferWriter appends state bytes to its buffer. It implements
// io.WriteCloser; Close releases the buffer for the next view.
type BufferWriter struct {
	buffer *ReplicationBuffer
	closed bool
}

func (this *BufferWriter) Write(p []byte) (int, error) {
	if this.closed {
		return 0, ErrBufferViewClosed
	}
	this.buffer.mu.Lock()
	this.buffer.data = append(this.buffer.data, p...)
	this.buffer.mu.Unlock()
	return len(p), nil
}

func (this *BufferWriter) Close() error {
	if this.closed {
		return nil
	}
	this.closed = true
	this.buffer.closeView(bufferWriting)
	return nil
}

// BufferReader consumes buffered state bytes from the start. It
// implements io.ReadCloser; Close releases the buffer for the next
// view without discarding contents.
type BufferReader struct {
	buffer *ReplicationBuffer
	offset int
	closed bool
}

func (this *BufferReader) Read(p []byte) (int, error) {
	if this.closed {
		return 0, ErrBufferViewClosed
	}
	this.buffer.mu.Lock()
	defer this.buffer.mu.Unlock()
	if this.offset >= len(this.buffer.data) {
		return 0, io.EOF
	}
	n := copy(p, this.buffer.data[this.offset:])
	this.offset += n
	return n, nil
}

func (this *BufferReader) Close() error {
	if this.closed {
		return nil
	}
	this.closed = true
	this.buffer.closeView(bufferReading)
	return nil
}
