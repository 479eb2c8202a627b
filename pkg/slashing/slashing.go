// Copyright 2025 Meridian Mesh Authors
//
// Package slashing turns cryptographic evidence of Byzantine behavior into
// an irrevocable, signed revocation (spec §4.6).
package slashing

import (
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

// FaultType tags the kind of Byzantine behavior detected.
type FaultType int

const (
	Equivocation FaultType = iota
	ChainBreak
	SignatureForgery
	TemporalViolation
)

func (f FaultType) String() string {
	switch f {
	case Equivocation:
		return "Equivocation"
	case ChainBreak:
		return "ChainBreak"
	case SignatureForgery:
		return "SignatureForgery"
	case TemporalViolation:
		return "TemporalViolation"
	default:
		return "Unknown"
	}
}

// NodeState is a node's position in the per-node Byzantine state machine:
// Unknown -> Healthy | Suspect | Quarantined -> Revoked. Revoked is terminal.
type NodeState int

const (
	StateUnknown NodeState = iota
	StateHealthy
	StateSuspect
	StateQuarantined
	StateRevoked
)

func (s NodeState) String() string {
	switch s {
	case StateHealthy:
		return "Healthy"
	case StateSuspect:
		return "Suspect"
	case StateQuarantined:
		return "Quarantined"
	case StateRevoked:
		return "Revoked"
	default:
		return "Unknown"
	}
}

// SlashingEvent per spec §3.
type SlashingEvent struct {
	EventID      string
	NodeID       string
	FaultType    FaultType
	EventHash    [32]byte
	Signature    []byte
	SlasherKeyID string
	Timestamp    time.Time
	Evidence     []byte
}

// ErrAlreadyRevoked is returned when slashing is attempted against a node
// already in StateRevoked; revocation is final (spec §8).
type ErrAlreadyRevoked struct {
	NodeID string
}

func (e *ErrAlreadyRevoked) Error() string {
	return fmt.Sprintf("slashing: node %q is already revoked", e.NodeID)
}

// SignFunc signs eventHash with the slasher's key.
type SignFunc func(eventHash [32]byte) []byte

// Judge tracks per-node state and executes slashing. Publish is invoked
// with every constructed SlashingEvent, e.g. to append it to the ledger.
type Judge struct {
	mu           sync.Mutex
	clock        clock.Clock
	slasherKeyID string
	sign         SignFunc
	publish      func(SlashingEvent)

	states   map[string]NodeState
	evidence *EvidenceIndex
}

// NewJudge constructs a Judge. evidenceCap bounds the per-node position ->
// hash evidence index (spec §9 open question iii).
func NewJudge(c clock.Clock, slasherKeyID string, sign SignFunc, publish func(SlashingEvent), evidenceCap int, compactionAge time.Duration) *Judge {
	if c == nil {
		c = clock.System{}
	}
	return &Judge{
		clock:        c,
		slasherKeyID: slasherKeyID,
		sign:         sign,
		publish:      publish,
		states:       make(map[string]NodeState),
		evidence:     NewEvidenceIndex(evidenceCap, compactionAge),
	}
}

// NodeState returns nodeID's current state.
func (j *Judge) NodeState(nodeID string) NodeState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.states[nodeID]
}

// SetState records a non-terminal state transition (Healthy, Suspect,
// Quarantined) driven by trust scoring elsewhere in the Core. It refuses
// once a node is Revoked, since revocation is final.
func (j *Judge) SetState(nodeID string, state NodeState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.states[nodeID] == StateRevoked {
		return &ErrAlreadyRevoked{NodeID: nodeID}
	}
	j.states[nodeID] = state
	return nil
}

// CheckAndSlash records (position -> event_hash) evidence for nodeID; on a
// position collision with a differing hash, it synthesizes an Equivocation
// fault and executes slashing. Returns the SlashingEvent if one was
// triggered.
func (j *Judge) CheckAndSlash(nodeID string, position uint64, eventHash [32]byte) (*SlashingEvent, error) {
	j.mu.Lock()
	if j.states[nodeID] == StateRevoked {
		j.mu.Unlock()
		return nil, &ErrAlreadyRevoked{NodeID: nodeID}
	}

	collision, ok := j.evidence.CheckAndRecord(nodeID, position, eventHash, j.clock.Now())
	j.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return j.execute(nodeID, Equivocation, collision.EventHash[:])
}

// Slash directly executes slashing for a non-equivocation fault (ChainBreak,
// SignatureForgery, TemporalViolation) detected elsewhere in the Core.
func (j *Judge) Slash(nodeID string, fault FaultType, evidence []byte) (*SlashingEvent, error) {
	j.mu.Lock()
	if j.states[nodeID] == StateRevoked {
		j.mu.Unlock()
		return nil, &ErrAlreadyRevoked{NodeID: nodeID}
	}
	j.mu.Unlock()
	return j.execute(nodeID, fault, evidence)
}

func (j *Judge) execute(nodeID string, fault FaultType, evidence []byte) (*SlashingEvent, error) {
	now := j.clock.Now()
	eventID := fmt.Sprintf("slash-%s-%d", nodeID, now.UnixNano())

	hashInput := make([]byte, 0, len(eventID)+len(nodeID)+8+len(evidence))
	hashInput = append(hashInput, []byte(eventID)...)
	hashInput = append(hashInput, []byte(nodeID)...)
	hashInput = appendUint64LE(hashInput, uint64(now.UnixNano()))
	hashInput = append(hashInput, evidence...)
	eventHash := blake3.Sum256(hashInput)

	event := SlashingEvent{
		EventID:      eventID,
		NodeID:       nodeID,
		FaultType:    fault,
		EventHash:    eventHash,
		Signature:    j.sign(eventHash),
		SlasherKeyID: j.slasherKeyID,
		Timestamp:    now,
		Evidence:     evidence,
	}

	j.mu.Lock()
	j.states[nodeID] = StateRevoked
	j.mu.Unlock()

	if j.publish != nil {
		j.publish(event)
	}
	return &event, nil
}

func appendUint64LE(b []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}
