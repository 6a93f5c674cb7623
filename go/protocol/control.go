/*
   Copyright 2026 Neal S. Carffery
   See https://github.com/NealSCarffery/qemu-colo/blob/master/LICENSE
*/

package protocol

import (
	"fmt"
)

// ControlCode is a single control message on the checkpoint channel.
// Every code travels as one big-endian 8-byte word. The numeric values
// are fixed by the wire protocol and shared with other implementations;
// never renumber them.
type ControlCode uint64

const (
	// Ready is sent once by the secondary when it is prepared to
	// receive checkpoints.
	Ready ControlCode = 0x46
	// CheckpointNew announces a new checkpoint (primary to secondary).
	CheckpointNew ControlCode = 0x47
	// CheckpointSuspended acknowledges that the secondary guest is
	// paused and state transfer may begin.
	CheckpointSuspended ControlCode = 0x48
	// CheckpointSend announces the state payload; an 8-byte length and
	// the raw state bytes follow immediately.
	CheckpointSend ControlCode = 0x49
	// CheckpointReceived acknowledges the complete payload.
	CheckpointReceived ControlCode = 0x4a
	// CheckpointLoaded acknowledges that the payload was applied to
	// the secondary guest.
	CheckpointLoaded ControlCode = 0x4b
	// GuestShutdown propagates a guest-initiated shutdown from the
	// primary. It terminates the conversation.
	GuestShutdown ControlCode = 0x4c
)

func (this ControlCode) String() string {
	switch this {
	case Ready:
		return "ready"
	case CheckpointNew:
		return "checkpoint-new"
	case CheckpointSuspended:
		return "checkpoint-suspended"
	case CheckpointSend:
		return "checkpoint-send"
	case CheckpointReceived:
		return "checkpoint-received"
	case CheckpointLoaded:
		return "checkpoint-loaded"
	case GuestShutdown:
		return "guest-shutdown"
	}
	return fmt.Sprintf("unknown(0x%x)", uint64(this))
}

// Phase tracks how far the checkpoint conversation has progressed.
// Both endpoints run their own Sequencer and feed every control code
// through it, sent and received alike, so one table defines which
// message is legal at which point.
type Phase int

const (
	// PhaseHandshake: conversation opened, the secondary's ready
	// announcement is outstanding.
	PhaseHandshake Phase = iota
	// PhaseIdle: between checkpoints.
	PhaseIdle
	// PhaseNew: a checkpoint was announced, awaiting suspension.
	PhaseNew
	// PhaseSuspended: secondary suspended, awaiting the payload.
	PhaseSuspended
	// PhaseSend: payload announced, awaiting receipt confirmation.
	PhaseSend
	// PhaseReceived: payload confirmed, awaiting load confirmation.
	PhaseReceived
	// PhaseShutdown: guest shutdown propagated. Terminal.
	PhaseShutdown
)

func (this Phase) String() string {
	switch this {
	case PhaseHandshake:
		return "handshake"
	case PhaseIdle:
		return "idle"
	case PhaseNew:
		return "new"
	case PhaseSuspended:
		return "suspended"
	case PhaseSend:
		return "send"
	case PhaseReceived:
		return "received"
	case PhaseShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("phase(%d)", int(this))
}

// DesyncError reports a control code that is illegal for the current
// protocol phase. It is fatal for the session: the protocol has no
// resynchronization mechanism and the only recovery is failover.
type DesyncError struct {
	Phase    Phase
	Expected ControlCode
	Received ControlCode
}

func (this *DesyncError) Error() string {
	if this.Phase == PhaseShutdown {
		return fmt.Sprintf("protocol desync: received %s after guest shutdown", this.Received)
	}
	return fmt.Sprintf("protocol desync in phase %s: expected %s, received %s", this.Phase, this.Expected, this.Received)
}

var sequencerTransitions = map[Phase]struct {
	expect ControlCode
	next   Phase
}{
	PhaseHandshake: {Ready, PhaseIdle},
	PhaseIdle:      {CheckpointNew, PhaseNew},
	PhaseNew:       {CheckpointSuspended, PhaseSuspended},
	PhaseSuspended: {CheckpointSend, PhaseSend},
	PhaseSend:      {CheckpointReceived, PhaseReceived},
	PhaseReceived:  {CheckpointLoaded, PhaseIdle},
}

// Sequencer is the checkpoint protocol state machine. It starts in
// PhaseHandshake and admits exactly one code per phase, except
// PhaseIdle which additionally admits GuestShutdown.
type Sequencer struct {
	phase Phase
}

func NewSequencer() *Sequencer {
	return &Sequencer{phase: PhaseHandshake}
}

func (this *Sequencer) Phase() Phase {
	return this.phase
}

// Advance moves the conversation forward by one control code. An
// illegal code leaves the sequencer untouched and returns a
// *DesyncError; the caller must not continue the session past one.
func (this *Sequencer) Advance(code ControlCode) error {
	if code == GuestShutdown && this.phase == PhaseIdle {
		this.phase = PhaseShutdown
		return nil
	}
	transition, ok := sequencerTransitions[this.phase]
	if !ok || code != transition.expect {
		return &DesyncError{Phase: this.phase, Expected: transition.expect, Received: code}
	}
	this.phase = transition.next
	return nil
}

// Conversation binds a control channel to a sequencer so that every
// code crossing the wire, in either direction, is checked against the
// protocol order.
type Conversation struct {
	channel   *ControlChannel
	sequencer *Sequencer
}

func NewConversation(channel *ControlChannel) *Conversation {
	return &Conversation{channel: channel, sequencer: NewSequencer()}
}

func (this *Conversation) Phase() Phase {
	return this.sequencer.Phase()
}

func (this *Conversation) Channel() *ControlChannel {
	return this.channel
}

// Send validates code against the current phase, then puts it on the
// wire. An illegal send is a local sequencing bug and never reaches
// the peer.
func (this *Conversation) Send(code ControlCode) error {
	if err := this.sequencer.Advance(code); err != nil {
		return err
	}
	return this.channel.PutCode(code)
}

// Recv reads the next control code and validates it. The returned
// code only carries information in phases that admit more than one
// (idle: checkpoint-new or guest-shutdown).
func (this *Conversation) Recv() (ControlCode, error) {
	code, err := this.channel.GetCode()
	if err != nil {
		return 0, err
	}
	if err := this.sequencer.Advance(code); err != nil {
		return code, err
	}
	return code, nil
}
