// Copyright 2025 Meridian Mesh Authors
//
// trustfabricd wires the Trust Fabric Core components into a single
// daemon: ledger continuity check, Merkle aggregation, node identity
// registry, health/trust scoring, Byzantine slashing, authority quorum,
// the command admission gate, the offline buffer, and the Command RPC
// surface over gRPC.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/meridian-mesh/trustfabric/internal/storage/boltkv"
	"github.com/meridian-mesh/trustfabric/internal/storage/pgledger"
	"github.com/meridian-mesh/trustfabric/pkg/admission"
	"github.com/meridian-mesh/trustfabric/pkg/audit"
	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/config"
	"github.com/meridian-mesh/trustfabric/pkg/handshake"
	"github.com/meridian-mesh/trustfabric/pkg/health"
	"github.com/meridian-mesh/trustfabric/pkg/identity"
	"github.com/meridian-mesh/trustfabric/pkg/ledger"
	"github.com/meridian-mesh/trustfabric/pkg/merkle"
	"github.com/meridian-mesh/trustfabric/pkg/offline"
	"github.com/meridian-mesh/trustfabric/pkg/quorum"
	"github.com/meridian-mesh/trustfabric/pkg/rpc"
	"github.com/meridian-mesh/trustfabric/pkg/slashing"
	"github.com/meridian-mesh/trustfabric/pkg/telemetry"
	"github.com/meridian-mesh/trustfabric/pkg/trust"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config YAML (TRUSTFABRIC_LEDGER_DSN, TRUSTFABRIC_BOLT_PATH and TRUSTFABRIC_LOG_LEVEL env vars override its values)")
		nodeID     = flag.String("node-id", "", "this node's identifier (overrides NODE_ID env var)")
		listenAddr = flag.String("listen", ":9443", "gRPC listen address for the Command RPC surface")
		dataDir    = flag.String("data-dir", "./data", "directory for the Ed25519 node key and bbolt stores")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting trustfabricd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	id := *nodeID
	if id == "" {
		id = os.Getenv("NODE_ID")
	}
	if id == "" {
		log.Fatal("node id required: pass -node-id or set NODE_ID")
	}

	logger, err := telemetry.New(&telemetry.Config{Level: parseLevel(cfg.Logging.Level), Format: cfg.Logging.Format, Output: cfg.Logging.Output}, "trustfabricd")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	nodeKey, err := loadOrGenerateEd25519Key(filepath.Join(*dataDir, "ed25519_key.hex"))
	if err != nil {
		log.Fatalf("load node key: %v", err)
	}
	nodePublic := nodeKey.Public().(ed25519.PublicKey)
	logger.Info("node key ready", "node_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openLedgerStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open ledger store: %v", err)
	}
	defer closeStore()

	ledgerSvc, err := ledger.Open(ctx, store, id, ledger.WithMetrics(metrics), ledger.WithLogger(logger))
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	logger.Info("ledger continuity verified")

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	nonceDB, err := boltkv.Open(filepath.Join(*dataDir, "handshake_nonces.db"))
	if err != nil {
		log.Fatalf("open nonce store: %v", err)
	}
	defer nonceDB.Close()
	nonceWindow := time.Duration(cfg.Handshake.NonceWindowMs) * time.Millisecond
	nonceStore, err := handshake.NewBoltNonceStore(nonceDB, nonceWindow, clock.System{})
	if err != nil {
		log.Fatalf("init nonce store: %v", err)
	}

	offlineDB, err := boltkv.Open(filepath.Join(*dataDir, "offline_buffer.db"))
	if err != nil {
		log.Fatalf("open offline buffer: %v", err)
	}
	defer offlineDB.Close()
	offlineBuf, err := offline.Open(offlineDB, clock.System{}, cfg.Offline.MaxBufferSize)
	if err != nil {
		log.Fatalf("init offline buffer: %v", err)
	}

	selfIdentity := identity.PlatformIdentity{
		ID:          id,
		PublicKey:   nodePublic,
		Attestation: identity.Attestation{Kind: identity.AttestationSoftware},
		CreatedAt:   time.Now(),
	}
	identities := identity.NewRegistry()
	if err := identities.Register(&selfIdentity); err != nil {
		log.Fatalf("register self identity: %v", err)
	}

	scorer := trust.NewScorer(clock.System{})
	monitor := health.NewMonitor(health.DefaultThresholds(), clock.System{})

	auditTrail := audit.NewTrail(ledgerSvc, clock.System{}, id, func(h [32]byte) [64]byte {
		var sig [64]byte
		copy(sig[:], ed25519.Sign(nodeKey, h[:]))
		return sig
	})

	judge := slashing.NewJudge(clock.System{}, id, func(h [32]byte) []byte {
		return ed25519.Sign(nodeKey, h[:])
	}, func(evt slashing.SlashingEvent) {
		if err := identities.Revoke(evt.NodeID); err != nil {
			logger.Error("revoke slashed identity", "node_id", evt.NodeID, "error", err)
		}
		if err := auditTrail.Record(ctx, audit.Record{
			Action:   "slash",
			Operator: id,
			Target:   evt.NodeID,
			Result:   "revoked",
			At:       time.Now(),
		}); err != nil {
			logger.Error("audit slashing event", "error", err)
		}
		metrics.SlashingEventsTotal.Inc()
	}, 4096, 24*time.Hour)

	policy := quorum.NewPolicy(0.667)

	aggregator := merkle.New(merkle.Config{
		CountThreshold: cfg.Merkle.CountThreshold,
		TimeInterval:   time.Duration(cfg.Merkle.TimeIntervalMs) * time.Millisecond,
		CheckEvery:     time.Second,
	}, clock.System{}, func(batchCtx context.Context, batch merkle.Batch, leaves []merkle.BufferedLeaf) {
		logger.Info("merkle batch closed", "batch_id", batch.BatchID, "event_count", batch.EventCount)
	})
	if err := aggregator.Start(ctx); err != nil {
		log.Fatalf("start merkle aggregator: %v", err)
	}
	defer aggregator.Stop()

	gate := admission.New(admission.Config{
		TrustThreshold: cfg.Admission.TrustThreshold,
		MaxLatency:     time.Duration(cfg.Admission.MaxLatencyMs) * time.Millisecond,
		MaxVelocity:    cfg.Admission.MaxVelocityMps,
	}, clock.System{}, identities, scorer, policy, dispatchCommand(logger), func(rec admission.AuditRecord) {
		if err := auditTrail.Record(ctx, audit.Record{
			Action:   rec.Action,
			Operator: rec.Operator,
			Target:   rec.Target,
			Result:   rec.Result,
			At:       rec.Timestamp,
		}); err != nil {
			logger.Error("audit admission decision", "error", err)
		}
		if rec.Result == "allow" {
			metrics.AdmissionGrantedTotal.Inc()
		} else {
			metrics.AdmissionDeniedTotal.WithLabelValues(rec.Action).Inc()
		}
	}, admission.WithMonitor(monitor), admission.WithJudge(judge), admission.WithOfflineBuffer(offlineBuf))

	rpcServer := rpc.NewServer(gate, clock.System{})
	grpcServer := grpc.NewServer()
	rpc.RegisterCommandServiceServer(grpcServer, rpcServer)

	handshakeServer := rpc.NewHandshakeServer(handshake.Config{
		Timeout:     time.Duration(cfg.Handshake.TimeoutMs) * time.Millisecond,
		FutureSkew:  time.Duration(cfg.Handshake.FutureSkewMs) * time.Millisecond,
		NonceWindow: nonceWindow,
	}, clock.System{}, nonceStore, selfIdentity, nil, nil, func(h []byte) []byte {
		return ed25519.Sign(nodeKey, h)
	})
	rpc.RegisterHandshakeServiceServer(grpcServer, handshakeServer)

	lis, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *listenAddr, err)
	}

	go func() {
		logger.Info("command rpc listening", "addr", *listenAddr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down trustfabricd")
	cancel()
	grpcServer.GracefulStop()
	logger.Info("trustfabricd stopped")
}

func dispatchCommand(logger *telemetry.Logger) admission.Dispatcher {
	return func(cmd admission.Command) error {
		logger.Info("command dispatched", "command_id", cmd.CommandID, "device_id", cmd.DeviceID)
		return nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openLedgerStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	if cfg.LedgerDSN == "" {
		return ledger.NewMemStore(), func() {}, nil
	}
	client, err := pgledger.NewClient(ctx, pgledger.DefaultConfig(cfg.LedgerDSN))
	if err != nil {
		return nil, nil, fmt.Errorf("connect ledger database: %w", err)
	}
	if err := client.MigrateUp(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("migrate ledger database: %w", err)
	}
	return pgledger.NewStore(client), func() { client.Close() }, nil
}

func loadOrGenerateEd25519Key(keyPath string) (ed25519.PrivateKey, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
			return nil, fmt.Errorf("save ed25519 key: %w", err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ed25519 key: %w", err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 key: %w", err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key size: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}
