// Copyright 2025 Meridian Mesh Authors
//
// Package rpc is the Command RPC surface the Admission Gate fronts (spec
// §6): ExecuteUnitCommand, ExecuteSwarmCommand, GetCommandStatus, and
// AbortSwarmCommand, with device identity and signature carried as gRPC
// metadata (x-device-id, x-signature).
package rpc

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"google.golang.org/grpc/metadata"

	"github.com/meridian-mesh/trustfabric/pkg/admission"
	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/quorum"
)

const (
	metaDeviceID  = "x-device-id"
	metaSignature = "x-signature"
)

// ErrMissingMetadata is returned when a request lacks x-device-id or
// x-signature.
var ErrMissingMetadata = fmt.Errorf("rpc: missing x-device-id/x-signature metadata")

// callerIdentity extracts and decodes the device id and signature carried
// in ctx's incoming gRPC metadata (spec §6).
func callerIdentity(ctx context.Context) (deviceID string, signature []byte, err error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", nil, ErrMissingMetadata
	}
	deviceIDs := md.Get(metaDeviceID)
	sigs := md.Get(metaSignature)
	if len(deviceIDs) == 0 || len(sigs) == 0 {
		return "", nil, ErrMissingMetadata
	}
	sig, decodeErr := base64.StdEncoding.DecodeString(sigs[0])
	if decodeErr != nil {
		return "", nil, fmt.Errorf("rpc: decode x-signature: %w", decodeErr)
	}
	return deviceIDs[0], sig, nil
}

type commandRecord struct {
	unitID         string
	swarmCommandID string
	status         CommandStatus
}

// Server implements the four Command RPC operations over an
// admission.Gate.
type Server struct {
	gate  *admission.Gate
	clock clock.Clock

	mu       sync.Mutex
	commands map[string]*commandRecord
}

// NewServer builds a Server dispatching every command through gate.
func NewServer(gate *admission.Gate, c clock.Clock) *Server {
	if c == nil {
		c = clock.System{}
	}
	return &Server{gate: gate, clock: c, commands: make(map[string]*commandRecord)}
}

func toQuorumSigs(sigs []AuthoritySignature) []quorum.AuthoritySignature {
	out := make([]quorum.AuthoritySignature, len(sigs))
	for i, s := range sigs {
		out[i] = quorum.AuthoritySignature{KeyID: s.KeyID, Signature: s.Signature}
	}
	return out
}

func (s *Server) admit(ctx context.Context, commandID string, payload []byte, authSigs []AuthoritySignature, timestampNS int64) error {
	deviceID, signature, err := callerIdentity(ctx)
	if err != nil {
		return err
	}
	cmd := admission.Command{
		DeviceID:            deviceID,
		Signature:           signature,
		CommandID:           commandID,
		PayloadJSON:         payload,
		AuthoritySignatures: toQuorumSigs(authSigs),
		TimestampNS:         timestampNS,
	}
	return s.gate.Admit(cmd)
}

// ExecuteUnitCommand admits and dispatches a single-unit command.
func (s *Server) ExecuteUnitCommand(ctx context.Context, req *ExecuteUnitCommandRequest) (*ExecuteUnitCommandResponse, error) {
	commandID := fmt.Sprintf("unit-%s-%d", req.UnitID, req.TimestampNS)
	err := s.admit(ctx, commandID, req.CommandJSON, req.AuthoritySignatures, req.TimestampNS)

	s.mu.Lock()
	if err != nil {
		s.commands[commandID] = &commandRecord{unitID: req.UnitID, status: StatusRejected}
	} else {
		s.commands[commandID] = &commandRecord{unitID: req.UnitID, status: StatusAccepted}
	}
	s.mu.Unlock()

	resp := &ExecuteUnitCommandResponse{
		CommandID:         commandID,
		Accepted:          err == nil,
		ServerTimestampNS: s.clock.Now().UnixNano(),
	}
	if err != nil {
		resp.RejectReason = err.Error()
	}
	return resp, nil
}

// ExecuteSwarmCommand admits the command once per target unit, since the
// Gate's trust/revocation/physics checks are per-device.
func (s *Server) ExecuteSwarmCommand(ctx context.Context, req *ExecuteSwarmCommandRequest) (*ExecuteSwarmCommandResponse, error) {
	resp := &ExecuteSwarmCommandResponse{
		SwarmCommandID:    req.SwarmCommandID,
		ServerTimestampNS: s.clock.Now().UnixNano(),
	}

	for _, unitID := range req.TargetUnitIDs {
		commandID := fmt.Sprintf("swarm-%s-%s", req.SwarmCommandID, unitID)
		err := s.admit(ctx, commandID, req.CommandJSON, req.AuthoritySignatures, req.TimestampNS)

		s.mu.Lock()
		if err != nil {
			s.commands[commandID] = &commandRecord{unitID: unitID, swarmCommandID: req.SwarmCommandID, status: StatusRejected}
			resp.RejectedCount++
			resp.RejectedUnitIDs = append(resp.RejectedUnitIDs, unitID)
		} else {
			s.commands[commandID] = &commandRecord{unitID: unitID, swarmCommandID: req.SwarmCommandID, status: StatusAccepted}
			resp.AcceptedCount++
		}
		s.mu.Unlock()
	}

	return resp, nil
}

// GetCommandStatus reports the current lifecycle state of a tracked
// command.
func (s *Server) GetCommandStatus(ctx context.Context, req *GetCommandStatusRequest) (*GetCommandStatusResponse, error) {
	s.mu.Lock()
	rec, ok := s.commands[req.CommandID]
	s.mu.Unlock()

	status := StatusUnknown
	if ok {
		status = rec.status
	}
	return &GetCommandStatusResponse{
		CommandID:         req.CommandID,
		Status:            status,
		ServerTimestampNS: s.clock.Now().UnixNano(),
	}, nil
}

// AbortSwarmCommand transitions every Pending or Accepted unit command under
// swarmCommandID to Aborted. Only the tracked status changes: a command the
// Gate has already dispatched is not recalled.
func (s *Server) AbortSwarmCommand(ctx context.Context, req *AbortSwarmCommandRequest) (*AbortSwarmCommandResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aborted := 0
	for _, rec := range s.commands {
		if rec.swarmCommandID != req.SwarmCommandID {
			continue
		}
		if rec.status == StatusPending || rec.status == StatusAccepted {
			rec.status = StatusAborted
			aborted++
		}
	}

	return &AbortSwarmCommandResponse{
		SwarmCommandID:    req.SwarmCommandID,
		AbortedCount:      aborted,
		ServerTimestampNS: s.clock.Now().UnixNano(),
	}, nil
}
