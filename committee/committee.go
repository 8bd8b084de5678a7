// Package committee is the authoritative member set and stake book for one
// epoch: nonzero-epoch and >=4-member invariants, checked-overflow
// total-stake accumulation, and the availability and quorum threshold
// formulas, over an ordered slice of members plus a lookup index.
package committee

import (
	"fmt"
	"math/bits"

	"dagchain.dev/validator/cryptoprovider"
)

// Address identifies a committee member by its BLS public key bytes.
// Addresses are compared by content so they're safe as map keys.
type Address string

func AddressFromPublicKey(pub []byte) Address { return Address(pub) }

func (a Address) Bytes() []byte { return []byte(a) }

// Member is one committee seat: an address and its stake weight.
type Member struct {
	Address Address
	Stake   uint64
}

// Committee is immutable for the lifetime of one epoch.
type Committee struct {
	epoch   uint64
	members []Member
	index   map[Address]int // member -> position in members, for O(1) lookup
}

const minCommitteeMembers = 4

// New constructs a Committee, rejecting epoch 0 and fewer than 4 members.
func New(epoch uint64, members []Member) (*Committee, error) {
	if epoch == 0 {
		return nil, fmt.Errorf("committee: epoch must be nonzero")
	}
	if len(members) < minCommitteeMembers {
		return nil, fmt.Errorf("committee: must have at least %d members, got %d", minCommitteeMembers, len(members))
	}
	index := make(map[Address]int, len(members))
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if _, dup := index[m.Address]; dup {
			return nil, fmt.Errorf("committee: duplicate member address")
		}
		index[m.Address] = len(out)
		out = append(out, m)
	}
	c := &Committee{epoch: epoch, members: out, index: index}
	if _, err := c.TotalStake(); err != nil {
		return nil, err
	}
	return c, nil
}

// ToNextEpoch returns a new Committee for epoch+1 with the same members.
// Adding, removing, or re-weighting members across epochs is not
// supported; membership is fixed for a deployment.
func (c *Committee) ToNextEpoch() (*Committee, error) {
	next := c.epoch + 1
	if next < c.epoch {
		return nil, fmt.Errorf("committee: overflow incrementing epoch number")
	}
	return New(next, c.members)
}

func (c *Committee) Epoch() uint64 { return c.epoch }

func (c *Committee) Members() []Member {
	out := make([]Member, len(c.members))
	copy(out, c.members)
	return out
}

func (c *Committee) Size() int { return len(c.members) }

func (c *Committee) IsMember(addr Address) bool {
	_, ok := c.index[addr]
	return ok
}

func (c *Committee) Stake(addr Address) uint64 {
	idx, ok := c.index[addr]
	if !ok {
		return 0
	}
	return c.members[idx].Stake
}

// TotalStake sums every member's stake, failing on overflow rather than
// wrapping.
func (c *Committee) TotalStake() (uint64, error) {
	var total uint64
	for _, m := range c.members {
		sum, carry := bits.Add64(total, m.Stake, 0)
		if carry != 0 {
			return 0, fmt.Errorf("committee: total stake overflow")
		}
		total = sum
	}
	return total, nil
}

// AvailabilityThreshold returns the stake needed to reach f+1, i.e.
// (S+2)/3: with S=3f+1+k, (S+2)/3 = f+1.
func (c *Committee) AvailabilityThreshold() (uint64, error) {
	total, err := c.TotalStake()
	if err != nil {
		return 0, err
	}
	sum, carry := bits.Add64(total, 2, 0)
	if carry != 0 {
		return 0, fmt.Errorf("committee: availability threshold overflow")
	}
	return sum / 3, nil
}

// QuorumThreshold returns the stake needed to reach 2f+1, i.e. (2S)/3 + 1.
func (c *Committee) QuorumThreshold() (uint64, error) {
	total, err := c.TotalStake()
	if err != nil {
		return 0, err
	}
	hi, lo := bits.Mul64(total, 2)
	if hi != 0 {
		return 0, fmt.Errorf("committee: quorum threshold overflow")
	}
	div := lo / 3
	out, carry := bits.Add64(div, 1, 0)
	if carry != 0 {
		return 0, fmt.Errorf("committee: quorum threshold overflow")
	}
	return out, nil
}

// LeaderForWave deterministically selects the committee member responsible
// for wave k: a seeded hash of (epoch, wave) indexes into the ordered
// member list.
func (c *Committee) LeaderForWave(p cryptoprovider.Provider, wave uint64) Address {
	var buf [16]byte
	putUint64(buf[0:8], c.epoch)
	putUint64(buf[8:16], wave)
	digest := p.SHA3_256(buf[:])
	idx := leaderIndexFromDigest(digest, len(c.members))
	return c.members[idx].Address
}

func leaderIndexFromDigest(digest [32]byte, n int) int {
	if n <= 0 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(digest[i])
	}
	return int(v % uint64(n))
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
