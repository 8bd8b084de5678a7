package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCertificateRoundIndexAndGC(t *testing.T) {
	db := openTestDB(t)
	id1 := [32]byte{1}
	id2 := [32]byte{2}
	if err := db.PutCertificate(id1, 3, []byte("author-a"), []byte("encoded-1")); err != nil {
		t.Fatalf("PutCertificate: %v", err)
	}
	if err := db.PutCertificate(id2, 3, []byte("author-b"), []byte("encoded-2")); err != nil {
		t.Fatalf("PutCertificate: %v", err)
	}
	if err := db.PutCertificate([32]byte{3}, 4, []byte("author-a"), []byte("encoded-3")); err != nil {
		t.Fatalf("PutCertificate: %v", err)
	}

	ids, err := db.CertificateIDsForRound(3)
	if err != nil {
		t.Fatalf("CertificateIDsForRound: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 certs at round 3, got %d", len(ids))
	}

	if err := db.DeleteCertificatesForRound(3); err != nil {
		t.Fatalf("DeleteCertificatesForRound: %v", err)
	}
	ids, err = db.CertificateIDsForRound(3)
	if err != nil {
		t.Fatalf("CertificateIDsForRound after GC: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected round 3 evicted, got %d entries", len(ids))
	}
	if _, ok, _ := db.GetCertificateByID(id1); ok {
		t.Fatal("expected certificate 1 to be evicted from certificates_by_id too")
	}

	idsR4, err := db.CertificateIDsForRound(4)
	if err != nil || len(idsR4) != 1 {
		t.Fatalf("expected round 4 retained, got %v err=%v", idsR4, err)
	}
}

func TestLastExecutedSubDagIndexPersists(t *testing.T) {
	db := openTestDB(t)
	idx, err := db.GetLastExecutedSubDagIndex()
	if err != nil {
		t.Fatalf("GetLastExecutedSubDagIndex: %v", err)
	}
	if idx != 0 {
		t.Fatalf("expected default 0, got %d", idx)
	}
	if err := db.PutLastExecutedSubDagIndex(42); err != nil {
		t.Fatalf("PutLastExecutedSubDagIndex: %v", err)
	}
	idx, err = db.GetLastExecutedSubDagIndex()
	if err != nil || idx != 42 {
		t.Fatalf("expected 42, got %d err=%v", idx, err)
	}
}

func TestVotesForHeader(t *testing.T) {
	db := openTestDB(t)
	headerID := [32]byte{9, 9, 9}
	if err := db.PutVote(headerID, []byte("voter-a"), []byte("sig-a")); err != nil {
		t.Fatalf("PutVote: %v", err)
	}
	if err := db.PutVote(headerID, []byte("voter-b"), []byte("sig-b")); err != nil {
		t.Fatalf("PutVote: %v", err)
	}
	votes, err := db.VotesForHeader(headerID)
	if err != nil {
		t.Fatalf("VotesForHeader: %v", err)
	}
	if len(votes) != 2 || string(votes["voter-a"]) != "sig-a" {
		t.Fatalf("unexpected votes: %v", votes)
	}
}

func TestBalancesRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.PutBalance("alice", 1_000_000); err != nil {
		t.Fatalf("PutBalance: %v", err)
	}
	bal, ok, err := db.GetBalance("alice")
	if err != nil || !ok || bal != 1_000_000 {
		t.Fatalf("GetBalance = %d, %v, %v", bal, ok, err)
	}
	all, err := db.AllBalances()
	if err != nil {
		t.Fatalf("AllBalances: %v", err)
	}
	if all["alice"] != 1_000_000 {
		t.Fatalf("AllBalances mismatch: %v", all)
	}
}
