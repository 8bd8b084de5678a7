package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"dagchain.dev/validator/config"
	"dagchain.dev/validator/cryptoprovider"
	"dagchain.dev/validator/keys"
	"dagchain.dev/validator/xerrors"
)

// devSeats is the devnet committee size: the smallest committee the stake
// book accepts.
const devSeats = 4

// Dev-mode base ports. Each seat i listens on base+i; a test harness that
// needs parallel clusters overrides the addresses in the generated files
// instead of relying on these.
const (
	devGatewayBasePort = 4130
	devPrimaryBasePort = 4230
	devWorkerBasePort  = 4330
	devTxBasePort      = 4430
	devRestBasePort    = 3030
)

func devSeed(kind string, network uint16, seat int) [32]byte {
	p := cryptoprovider.DevProvider{}
	return p.SHA3_256([]byte(fmt.Sprintf("validator-dev-%s-%d-%d", kind, network, seat)))
}

func devGatewayAddr(seat int) string { return fmt.Sprintf("127.0.0.1:%d", devGatewayBasePort+seat) }
func devRestAddr(seat int) string    { return fmt.Sprintf("127.0.0.1:%d", devRestBasePort+seat) }

// provisionDev writes the committee, workers, parameters, genesis, and key
// files for one pre-provisioned devnet seat into root, deriving every
// seat's keys deterministically so all four nodes agree on the committee
// without any exchange. Existing files are left untouched, so re-running
// a node never rotates the devnet's identity.
func provisionDev(root string, network uint16, devID int) error {
	if devID < 0 || devID >= devSeats {
		return xerrors.Configf("node: --dev seat must be in [0,%d), got %d", devSeats, devID)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return xerrors.Configf("node: create datadir %s: %w", root, err)
	}
	p := cryptoprovider.DevProvider{}

	authorities := make(map[string]config.CommitteeAuthority, devSeats)
	workers := make(map[string]map[uint32]config.WorkerEntry, devSeats)
	for seat := 0; seat < devSeats; seat++ {
		blsPub, _ := p.DeriveKey(devSeed("bls", network, seat))
		netPub, _ := p.DeriveKey(devSeed("net", network, seat))
		pubB64 := base64.StdEncoding.EncodeToString(blsPub)
		authorities[pubB64] = config.CommitteeAuthority{
			Stake:          1,
			PrimaryAddress: fmt.Sprintf("127.0.0.1:%d", devPrimaryBasePort+seat),
			NetworkKeyB64:  base64.StdEncoding.EncodeToString(netPub),
		}
		workers[pubB64] = map[uint32]config.WorkerEntry{
			0: {
				NameB64:          base64.StdEncoding.EncodeToString(netPub),
				TransactionsAddr: fmt.Sprintf("127.0.0.1:%d", devTxBasePort+seat),
				WorkerAddress:    fmt.Sprintf("127.0.0.1:%d", devWorkerBasePort+seat),
			},
		}
	}

	files := []struct {
		name string
		v    any
	}{
		{".committee.json", config.CommitteeFile{Epoch: 1, Authorities: authorities}},
		{".workers.json", config.WorkersFile{Epoch: 1, Workers: workers}},
		{".parameters.json", config.DefaultParameters()},
		{".genesis.json", map[string]uint64{"alice": 1_000_000, "bob": 2_000_000, "carol": 3_000_000}},
	}
	for _, f := range files {
		path := filepath.Join(root, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := config.WriteJSON(path, f.v); err != nil {
			return xerrors.Configf("node: write %s: %w", path, err)
		}
	}

	_, blsPriv := p.DeriveKey(devSeed("bls", network, devID))
	_, netPriv := p.DeriveKey(devSeed("net", network, devID))
	_, workerPriv := p.DeriveKey(devSeed("worker", network, devID))
	keyFiles := []struct {
		name string
		priv []byte
	}{
		{fmt.Sprintf(".primary-%d-key.json", devID), blsPriv},
		{fmt.Sprintf(".primary-%d-network-key.json", devID), netPriv},
		{fmt.Sprintf(".worker-%d-key.json", devID), workerPriv},
	}
	for _, f := range keyFiles {
		path := filepath.Join(root, f.name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := keys.WriteKeyFile(path, f.priv); err != nil {
			return err
		}
	}
	return nil
}

// devTrustedPeers lists the other seats' gateway addresses.
func devTrustedPeers(devID int) []string {
	out := make([]string, 0, devSeats-1)
	for seat := 0; seat < devSeats; seat++ {
		if seat != devID {
			out = append(out, devGatewayAddr(seat))
		}
	}
	return out
}
