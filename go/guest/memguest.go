/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package guest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	ErrGuestRunning = errors.New("operation requires a stopped guest")
	ErrNoRAMCache   = errors.New("no ram cache: guest cannot apply state")
)

// MemGuest is an in-memory stand-in for a virtual machine, used by the
// demo binary and by tests. Its machine state is a byte image plus a
// revision counter that advances whenever the running guest mutates.
type MemGuest struct {
	mu       sync.Mutex
	running  bool
	revision uint64
	image    []byte
	ramCache []byte

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func NewMemGuest(imageSize int) *MemGuest {
	image := make([]byte, imageSize)
	for i := range image {
		image[i] = byte(i)
	}
	return &MemGuest{
		image:      image,
		shutdownCh: make(chan struct{}),
	}
}

func (this *MemGuest) Pause() error {
	this.mu.Lock()
	defer this.mu.Unlock()
	this.running = false
	return nil
}

func (this *MemGuest) Resume() error {
	this.mu.Lock()
	defer this.mu.Unlock()
	this.running = true
	return nil
}

func (this *MemGuest) IsStopped() bool {
	this.mu.Lock()
	defer this.mu.Unlock()
	return !this.running
}

// Reset drops transient device state. The guest notices nothing.
func (this *MemGuest) Reset() error {
	this.mu.Lock()
	defer this.mu.Unlock()
	for i := 0; i < 8 && i < len(this.image); i++ {
		this.image[i] = 0
	}
	return nil
}

// Mutate simulates guest activity: it perturbs the image and advances
// the revision. Mutating a stopped guest is a no-op, as a stopped
// machine cannot dirty its own state.
func (this *MemGuest) Mutate() {
	this.mu.Lock()
	defer this.mu.Unlock()
	if !this.running {
		return
	}
	this.revision++
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], this.revision)
	for i := range this.image {
		this.image[i] ^= stamp[i%len(stamp)]
	}
}

// CaptureState serializes the image. The guest must be stopped, a
// capture of a running machine would not be a consistent point in
// time.
func (this *MemGuest) CaptureState(w io.Writer, options CaptureOptions) error {
	this.mu.Lock()
	defer this.mu.Unlock()
	if this.running {
		return ErrGuestRunning
	}
	var header [16]byte
	binary.BigEndian.PutUint64(header[0:8], this.revision)
	binary.BigEndian.PutUint64(header[8:16], uint64(len(this.image)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(this.image)
	return err
}

// ApplyState replaces the image with a captured one. Requires a
// stopped guest and a ram cache.
func (this *MemGuest) ApplyState(r io.Reader) error {
	this.mu.Lock()
	defer this.mu.Unlock()
	if this.running {
		return ErrGuestRunning
	}
	if this.ramCache == nil {
		return ErrNoRAMCache
	}
	var header [16]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("state image header: %w", err)
	}
	revision := binary.BigEndian.Uint64(header[0:8])
	imageSize := binary.BigEndian.Uint64(header[8:16])
	if imageSize > uint64(cap(this.ramCache)) {
		this.ramCache = make([]byte, imageSize)
	}
	staging := this.ramCache[:imageSize]
	if _, err := io.ReadFull(r, staging); err != nil {
		return fmt.Errorf("state image body: %w", err)
	}
	this.image = append(this.image[:0], staging...)
	this.revision = revision
	return nil
}

func (this *MemGuest) CreateRAMCache() error {
	this.mu.Lock()
	defer this.mu.Unlock()
	this.ramCache = make([]byte, len(this.image))
	return nil
}

func (this *MemGuest) ReleaseRAMCache() {
	this.mu.Lock()
	defer this.mu.Unlock()
	this.ramCache = nil
}

// RequestShutdown mimics the guest powering itself off.
func (this *MemGuest) RequestShutdown() {
	this.shutdownOnce.Do(func() {
		close(this.shutdownCh)
	})
}

// ShutdownCh is closed once a shutdown has been requested.
func (this *MemGuest) ShutdownCh() <-chan struct{} {
	return this.shutdownCh
}

// Revision returns the current state revision, for tests that verify
// two guests converged.
func (this *MemGuest) Revision() uint64 {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.revision
}

// Image returns a copy of the machine state image.
func (this *MemGuest) Image() []byte {
	this.mu.Lock()
	defer this.mu.Unlock()
	image := make([]byte, len(this.image))
	copy(image, this.image)
	return image
}
