// Package config loads and validates the JSON configuration files at the
// system boundary: .committee.json, .workers.json, and .parameters.json.
// Each file kind is a plain struct with json tags, a Default* constructor,
// and an explicit per-field Validate* function rather than a validation
// library.
package config

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dagchain.dev/validator/xerrors"
)

// CommitteeFile is the decoded form of .committee.json.
type CommitteeFile struct {
	Epoch      uint64                       `json:"epoch"`
	Authorities map[string]CommitteeAuthority `json:"authorities"` // key: bls_public_key_b64
}

type CommitteeAuthority struct {
	Stake          uint64 `json:"stake"`
	PrimaryAddress string `json:"primary_address"`
	NetworkKeyB64  string `json:"network_key"`
}

// WorkersFile is the decoded form of .workers.json.
type WorkersFile struct {
	Epoch   uint64                        `json:"epoch"`
	Workers map[string]map[uint32]WorkerEntry `json:"workers"` // key: bls_public_key_b64
}

type WorkerEntry struct {
	NameB64           string `json:"name"`
	TransactionsAddr  string `json:"transactions"`
	WorkerAddress     string `json:"worker_address"`
}

// ParametersFile is the decoded form of .parameters.json, with defaults
// holding the consensus timing and batching tunables.
type ParametersFile struct {
	GCDepth                  uint64 `json:"gc_depth"`
	MaxHeaderNumOfBatches    uint64 `json:"max_header_num_of_batches"`
	MinHeaderDelayMs         uint64 `json:"min_header_delay_ms"`
	MaxHeaderDelayMs         uint64 `json:"max_header_delay_ms"`
	MaxBatchDelayMs          uint64 `json:"max_batch_delay_ms"`
	MaxTransmissionsPerBatch uint64 `json:"max_transmissions_per_batch"`
	WorkerPingIntervalMs     uint64 `json:"worker_ping_interval_ms"`
	AdminServerPort          int    `json:"admin_server_port"`
}

func DefaultParameters() ParametersFile {
	return ParametersFile{
		GCDepth:                  50,
		MaxHeaderNumOfBatches:    20,
		MinHeaderDelayMs:         500,
		MaxHeaderDelayMs:         2000,
		MaxBatchDelayMs:          1000,
		MaxTransmissionsPerBatch: 100,
		WorkerPingIntervalMs:     2000,
		AdminServerPort:          6000,
	}
}

func ValidateParameters(p ParametersFile) error {
	if p.MaxHeaderDelayMs < p.MinHeaderDelayMs {
		return xerrors.Configf("config: max_header_delay_ms must be >= min_header_delay_ms")
	}
	if p.MaxTransmissionsPerBatch == 0 {
		return xerrors.Configf("config: max_transmissions_per_batch must be > 0")
	}
	if p.MaxBatchDelayMs == 0 {
		return xerrors.Configf("config: max_batch_delay_ms must be > 0")
	}
	if p.WorkerPingIntervalMs == 0 {
		return xerrors.Configf("config: worker_ping_interval_ms must be > 0")
	}
	if p.GCDepth == 0 {
		return xerrors.Configf("config: gc_depth must be > 0")
	}
	return nil
}

func ValidateCommittee(c CommitteeFile) error {
	if c.Epoch == 0 {
		return xerrors.Configf("config: committee epoch must be nonzero")
	}
	if len(c.Authorities) < 4 {
		return xerrors.Configf("config: committee must have at least 4 authorities, got %d", len(c.Authorities))
	}
	for pubB64, a := range c.Authorities {
		if _, err := base64.StdEncoding.DecodeString(pubB64); err != nil {
			return xerrors.Configf("config: authority key %q is not valid base64: %w", pubB64, err)
		}
		if a.PrimaryAddress == "" {
			return xerrors.Configf("config: authority %q missing primary_address", pubB64)
		}
	}
	return nil
}

func loadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Configf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return xerrors.Configf("config: parse %s: %w", path, err)
	}
	return nil
}

func LoadCommittee(root string) (*CommitteeFile, error) {
	var out CommitteeFile
	if err := loadJSON(filepath.Join(root, ".committee.json"), &out); err != nil {
		return nil, err
	}
	if err := ValidateCommittee(out); err != nil {
		return nil, err
	}
	return &out, nil
}

func LoadWorkers(root string) (*WorkersFile, error) {
	var out WorkersFile
	if err := loadJSON(filepath.Join(root, ".workers.json"), &out); err != nil {
		return nil, err
	}
	if out.Epoch == 0 {
		return nil, xerrors.Configf("config: workers.json epoch must be nonzero")
	}
	return &out, nil
}

func LoadParameters(root string) (*ParametersFile, error) {
	path := filepath.Join(root, ".parameters.json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		p := DefaultParameters()
		return &p, nil
	}
	var out ParametersFile
	if err := loadJSON(path, &out); err != nil {
		return nil, err
	}
	if err := ValidateParameters(out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteJSON marshals v indented, without HTML escaping
// (SetEscapeHTML(false), two-space indent).
func WriteJSON(path string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("config: marshal %T: %w", v, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
