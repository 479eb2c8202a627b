// Copyright 2025 Meridian Mesh Authors

package enrollment

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/identity"
)

// POSIX permission bits for genesis bundle artifacts, per spec §4.4.
const (
	permDeviceCredential os.FileMode = 0o600
	permRootCA           os.FileMode = 0o644
	permBundleDir        os.FileMode = 0o700
)

// BootstrapPeer is one entry of bootstrap-nodes.json: a mesh peer the
// newly-enrolled node may dial to join (spec §6).
type BootstrapPeer struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	PublicKey []byte `json:"public_key"`
	Region    string `json:"region"`
}

// GenesisBundle is issued once a node reaches Attested with trust >= 0.7
// and an attestation other than None.
type GenesisBundle struct {
	DeviceCertificate identity.Certificate
	RootCA            identity.Certificate
	IntermediateCAs   []identity.Certificate
	BootstrapPeers    []BootstrapPeer
	CRLEndpoints      []string
	OCSPEndpoints     []string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// bundleMetadata is the shape written to bundle-metadata.json (spec §6).
type bundleMetadata struct {
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	CRLEndpoints  []string  `json:"crl_endpoints"`
	OCSPEndpoints []string  `json:"ocsp_endpoints"`
}

// ErrBundleDeniedToUnattested is returned when a bundle is requested for an
// identity with no attestation.
var ErrBundleDeniedToUnattested = fmt.Errorf("enrollment: genesis bundle must not be issued to a None-attested identity")

// IssueGenesisBundle builds a bundle for id, provided it carries a
// non-None attestation and m is past Attested with trust_score >= 0.7.
func IssueGenesisBundle(m *Machine, id identity.PlatformIdentity, deviceCert, rootCA identity.Certificate, intermediates []identity.Certificate, bootstrapPeers []BootstrapPeer, crlEndpoints, ocspEndpoints []string, now time.Time, ttl time.Duration) (*GenesisBundle, error) {
	if id.Attestation.Kind == identity.AttestationNone {
		return nil, ErrBundleDeniedToUnattested
	}
	if m.TrustScore() < 0.7 {
		return nil, ErrTrustTooLow
	}
	switch m.Stage() {
	case Attested, Provisioned, Trusted:
	default:
		return nil, fmt.Errorf("enrollment: cannot issue bundle before Attested, node is %s", m.Stage())
	}

	return &GenesisBundle{
		DeviceCertificate: deviceCert,
		RootCA:            rootCA,
		IntermediateCAs:   intermediates,
		BootstrapPeers:    bootstrapPeers,
		CRLEndpoints:      crlEndpoints,
		OCSPEndpoints:     ocspEndpoints,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}, nil
}

// Install writes bundle's artifacts under dir with the POSIX permissions
// required by spec §4.4: the directory and device credential are
// owner-only, the root CA is world-readable.
func Install(bundle *GenesisBundle, dir string) error {
	if err := os.MkdirAll(dir, permBundleDir); err != nil {
		return fmt.Errorf("enrollment: create bundle dir: %w", err)
	}
	if err := os.Chmod(dir, permBundleDir); err != nil {
		return fmt.Errorf("enrollment: chmod bundle dir: %w", err)
	}

	devicePath := filepath.Join(dir, "device_cert.pem")
	if err := writeArtifact(devicePath, encodeCertificate(bundle.DeviceCertificate), permDeviceCredential); err != nil {
		return err
	}

	rootCAPath := filepath.Join(dir, "root_ca.pem")
	if err := writeArtifact(rootCAPath, encodeCertificate(bundle.RootCA), permRootCA); err != nil {
		return err
	}

	for i, ca := range bundle.IntermediateCAs {
		path := filepath.Join(dir, fmt.Sprintf("intermediate_ca_%d.pem", i))
		if err := writeArtifact(path, encodeCertificate(ca), permRootCA); err != nil {
			return err
		}
	}

	peers := bundle.BootstrapPeers
	if peers == nil {
		peers = []BootstrapPeer{}
	}
	peersJSON, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return fmt.Errorf("enrollment: marshal bootstrap-nodes.json: %w", err)
	}
	if err := writeArtifact(filepath.Join(dir, "bootstrap-nodes.json"), peersJSON, permRootCA); err != nil {
		return err
	}

	meta := bundleMetadata{
		CreatedAt:     bundle.CreatedAt,
		ExpiresAt:     bundle.ExpiresAt,
		CRLEndpoints:  bundle.CRLEndpoints,
		OCSPEndpoints: bundle.OCSPEndpoints,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("enrollment: marshal bundle-metadata.json: %w", err)
	}
	if err := writeArtifact(filepath.Join(dir, "bundle-metadata.json"), metaJSON, permRootCA); err != nil {
		return err
	}

	return nil
}

func writeArtifact(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("enrollment: write %s: %w", path, err)
	}
	return os.Chmod(path, perm)
}

func encodeCertificate(cert identity.Certificate) []byte {
	return []byte(fmt.Sprintf("serial=%s\nsubject=%s\nissuer=%s\npublic_key=%s\nsignature=%s\n",
		cert.Serial, cert.Subject, cert.Issuer, hex.EncodeToString(cert.PublicKey), hex.EncodeToString(cert.Signature)))
}
