package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ddr4869/organchain/common/blockutil"
	"github.com/ddr4869/organchain/common/types"
	"github.com/ddr4869/organchain/ledger/storage"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

func threeBlockLedger(t *testing.T, store storage.SnapshotStore) *Ledger {
	t.Helper()
	l := New(testEnvelope(t, 1), store, WithClock(steppingClock()))
	for _, id := range []string{"a", "b"} {
		if _, err := l.Append(context.Background(), donorTx(id)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	return l
}

func TestVerifyEmptyAndValidChains(t *testing.T) {
	g := NewWithT(t)

	report := Verify(nil)
	g.Expect(report.State).To(Equal(StateOK))
	g.Expect(report.Checked).To(Equal(0))

	l := threeBlockLedger(t, nil)
	report = l.Verify()
	g.Expect(report.State).To(Equal(StateOK))
	g.Expect(report.Checked).To(Equal(3))
	g.Expect(report.Violations).To(BeEmpty())
	g.Expect(report.Err()).To(BeNil())
}

func TestVerifyDetectsTamperedLastBlock(t *testing.T) {
	g := NewWithT(t)
	l := threeBlockLedger(t, nil)
	expected := blockutil.MustBlockHash(l.blocks[1])

	l.blocks[2].PreviousHash = "arbitrary"

	report := l.Verify()
	g.Expect(report.State).To(Equal(StateCorrupt))
	g.Expect(report.Checked).To(Equal(3))
	g.Expect(report.Violations).To(Equal([]Violation{{Index: 3, Expected: expected, Recorded: "arbitrary"}}))

	var violation *IntegrityViolation
	g.Expect(errors.As(report.Err(), &violation)).To(BeTrue())
	g.Expect(violation.Indices).To(Equal([]int{3}))
	g.Expect(violation.Error()).To(ContainSubstring("3"))
}

func TestVerifyContinuesPastFirstMismatch(t *testing.T) {
	g := NewWithT(t)
	l := threeBlockLedger(t, nil)

	// changes the middle block's own hash too, so its successor is flagged
	l.blocks[1].PreviousHash = "arbitrary"

	report := l.Verify()
	g.Expect(report.State).To(Equal(StateCorrupt))
	g.Expect(report.CorruptIndices()).To(Equal([]int{2, 3}))
}

func TestVerifyDetectsContentTampering(t *testing.T) {
	g := NewWithT(t)
	l := threeBlockLedger(t, nil)

	l.blocks[0].Timestamp++

	g.Expect(l.Verify().CorruptIndices()).To(Equal([]int{2}))
}

func TestRepairRestoresLinkage(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "chain.json")
	store := fileStore(t, path)
	l := threeBlockLedger(t, store)
	ciphertexts := []string{l.blocks[1].Data[0].DataEncrypted, l.blocks[2].Data[0].DataEncrypted}

	l.blocks[2].PreviousHash = "arbitrary"

	result, err := l.Repair()
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(result.Before.CorruptIndices()).To(Equal([]int{3}))
	g.Expect(result.After.State).To(Equal(StateOK))
	g.Expect(result.Rewritten).To(Equal(1))

	g.Expect(l.blocks[2].PreviousHash).To(Equal(blockutil.MustBlockHash(l.blocks[1])))
	g.Expect(l.Len()).To(Equal(3))
	g.Expect([]string{l.blocks[1].Data[0].DataEncrypted, l.blocks[2].Data[0].DataEncrypted}).To(Equal(ciphertexts))

	// repaired chain is on disk
	loaded, err := Load(testEnvelope(t, 1), fileStore(t, path))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(loaded.Verify().OK()).To(BeTrue())
}

func TestRepairIsIdempotent(t *testing.T) {
	g := NewWithT(t)
	l := threeBlockLedger(t, nil)
	l.blocks[1].PreviousHash = "arbitrary"
	l.blocks[2].Timestamp += 10

	_, err := l.Repair()
	g.Expect(err).ToNot(HaveOccurred())
	once, err := l.Read(context.Background(), false)
	g.Expect(err).ToNot(HaveOccurred())

	result, err := l.Repair()
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(result.Rewritten).To(Equal(0))
	twice, err := l.Read(context.Background(), false)
	g.Expect(err).ToNot(HaveOccurred())

	g.Expect(twice).To(Equal(once))
	g.Expect(Verify(twice).OK()).To(BeTrue())
}

func TestRepairPureFunction(t *testing.T) {
	g := NewWithT(t)
	blocks := []*types.Block{
		{Index: 1, Timestamp: 1, PreviousHash: "bogus", Data: []types.Entry{}},
		{Index: 2, Timestamp: 2, PreviousHash: "bogus", Data: []types.Entry{{DataEncrypted: "c1"}}},
		{Index: 3, Timestamp: 3, PreviousHash: "bogus", Data: []types.Entry{{DataEncrypted: "c2"}}},
	}

	g.Expect(Repair(blocks)).To(Equal(3))
	g.Expect(blocks[0].PreviousHash).To(Equal(types.GenesisPreviousHash))
	g.Expect(Verify(blocks).OK()).To(BeTrue())
	g.Expect(Repair(blocks)).To(Equal(0))
}

func TestAppendAfterCorruptionStillWorks(t *testing.T) {
	g := NewWithT(t)
	l := threeBlockLedger(t, nil)
	l.blocks[1].PreviousHash = "arbitrary"

	block, err := l.Append(context.Background(), donorTx("c"))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(block.PreviousHash).To(Equal(blockutil.MustBlockHash(l.blocks[2])))
	g.Expect(l.Verify().CorruptIndices()).To(Equal([]int{2, 3}))
}
