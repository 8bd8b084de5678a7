package committee

import (
	"testing"

	"dagchain.dev/validator/cryptoprovider"
)

func fourMembers(stake uint64) []Member {
	return []Member{
		{Address: "a", Stake: stake},
		{Address: "b", Stake: stake},
		{Address: "c", Stake: stake},
		{Address: "d", Stake: stake},
	}
}

func TestNewRejectsZeroEpoch(t *testing.T) {
	if _, err := New(0, fourMembers(1)); err == nil {
		t.Fatal("expected error for epoch 0")
	}
}

func TestNewRejectsFewerThanFourMembers(t *testing.T) {
	if _, err := New(1, fourMembers(1)[:3]); err == nil {
		t.Fatal("expected error for <4 members")
	}
}

func TestFourMemberThresholds(t *testing.T) {
	c, err := New(1, fourMembers(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	avail, err := c.AvailabilityThreshold()
	if err != nil {
		t.Fatalf("AvailabilityThreshold: %v", err)
	}
	quorum, err := c.QuorumThreshold()
	if err != nil {
		t.Fatalf("QuorumThreshold: %v", err)
	}
	if avail != 2 {
		t.Fatalf("availability_threshold = %d, want 2", avail)
	}
	if quorum != 3 {
		t.Fatalf("quorum_threshold = %d, want 3", quorum)
	}
	total, _ := c.TotalStake()
	if avail+quorum <= total {
		t.Fatalf("invariant violated: avail(%d)+quorum(%d) <= total(%d)", avail, quorum, total)
	}
}

func TestTotalStakeOverflowDetected(t *testing.T) {
	members := []Member{
		{Address: "a", Stake: ^uint64(0)},
		{Address: "b", Stake: 1},
		{Address: "c", Stake: 1},
		{Address: "d", Stake: 1},
	}
	if _, err := New(1, members); err == nil {
		t.Fatal("expected overflow error on construction")
	}
}

func TestToNextEpochIsMonotonic(t *testing.T) {
	c, err := New(1, fourMembers(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	next, err := c.ToNextEpoch()
	if err != nil {
		t.Fatalf("ToNextEpoch: %v", err)
	}
	if next.Epoch() != 2 {
		t.Fatalf("epoch = %d, want 2", next.Epoch())
	}
}

func TestLeaderForWaveIsDeterministicAndInCommittee(t *testing.T) {
	c, err := New(1, fourMembers(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p := cryptoprovider.DevProvider{}
	l1 := c.LeaderForWave(p, 7)
	l2 := c.LeaderForWave(p, 7)
	if l1 != l2 {
		t.Fatal("leader election must be deterministic for the same wave")
	}
	if !c.IsMember(l1) {
		t.Fatal("elected leader must be a committee member")
	}
}

func TestIsMemberAndStake(t *testing.T) {
	c, err := New(1, fourMembers(5))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.IsMember("a") {
		t.Fatal("expected a to be a member")
	}
	if c.IsMember("zzz") {
		t.Fatal("unexpected member zzz")
	}
	if c.Stake("a") != 5 {
		t.Fatalf("Stake(a) = %d, want 5", c.Stake("a"))
	}
	if c.Stake("zzz") != 0 {
		t.Fatal("Stake of non-member must be 0")
	}
}
