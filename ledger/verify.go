package ledger

import (
	"fmt"
	"strings"

	"github.com/ddr4869/organchain/common/blockutil"
	"github.com/ddr4869/organchain/common/types"
)

// State of one verification run.
type State string

const (
	StateStart    State = "START"
	StateScanning State = "SCANNING"
	StateOK       State = "OK"
	StateCorrupt  State = "CORRUPT"
)

// Violation is a block whose recorded previous_hash differs from the hash of
// its predecessor's current content.
type Violation struct {
	Index    int    `json:"index"`
	Expected string `json:"expected"`
	Recorded string `json:"recorded"`
}

// Report is the outcome of a verification run
type Report struct {
	State      State       `json:"state"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
}

// OK reports whether the run found no violations.
func (r *Report) OK() bool {
	return r.State == StateOK
}

// CorruptIndices lists the 1-based indices of the flagged blocks.
func (r *Report) CorruptIndices() []int {
	indices := make([]int, 0, len(r.Violations))
	for _, v := range r.Violations {
		indices = append(indices, v.Index)
	}
	return indices
}

// Err returns an *IntegrityViolation for a corrupt report, nil otherwise.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return &IntegrityViolation{Indices: r.CorruptIndices()}
}

// IntegrityViolation reports broken hash linkage. It is recoverable with Repair.
type IntegrityViolation struct {
	Indices []int
}

// Error lists the corrupt block indices.
func (e *IntegrityViolation) Error() string {
	parts := make([]string, 0, len(e.Indices))
	for _, index := range e.Indices {
		parts = append(parts, fmt.Sprint(index))
	}
	return "chain integrity violated at blocks " + strings.Join(parts, ", ")
}

// Verify walks blocks in index order comparing each previous_hash with the
// hash recomputed from the preceding block. It reports every mismatch.
func Verify(blocks []*types.Block) *Report {
	report := &Report{State: StateStart}

	report.State = StateScanning
	expected := types.GenesisPreviousHash
	for _, block := range blocks {
		report.Checked++
		if block.PreviousHash != expected {
			report.Violations = append(report.Violations, Violation{
				Index:    block.Index,
				Expected: expected,
				Recorded: block.PreviousHash,
			})
		}
		// never trust the stored linkage
		expected = blockutil.MustBlockHash(block)
	}

	if len(report.Violations) > 0 {
		report.State = StateCorrupt
	} else {
		report.State = StateOK
	}
	return report
}

// Repair rewrites previous_hash fields in place so that the chain verifies,
// and returns how many fields changed. Blocks are never reordered or dropped.
// Running it on a valid chain changes nothing.
func Repair(blocks []*types.Block) int {
	changed := 0
	previous := types.GenesisPreviousHash
	for _, block := range blocks {
		if block.PreviousHash != previous {
			block.PreviousHash = previous
			changed++
		}
		previous = blockutil.MustBlockHash(block)
	}
	return changed
}

// RepairResult describes one call to (*Ledger).Repair.
type RepairResult struct {
	Before    *Report `json:"before"`
	After     *Report `json:"after"`
	Rewritten int     `json:"rewritten"`
}

// Verify checks the live chain.
func (l *Ledger) Verify() *Report {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return Verify(l.blocks)
}

// Repair fixes broken linkage in the live chain and persists it. A chain
// that already verifies is left untouched and not re-saved.
func (l *Ledger) Repair() (*RepairResult, error) {
	l.mutex.Lock()
	before := Verify(l.blocks)
	if before.OK() {
		l.mutex.Unlock()
		return &RepairResult{Before: before, After: before}, nil
	}
	rewritten := Repair(l.blocks)
	after := Verify(l.blocks)
	l.mutex.Unlock()

	for _, v := range before.Violations {
		l.log.Warnw("Rewrote block linkage", "index", v.Index, "recorded", v.Recorded)
	}
	l.log.Infof("Repaired chain: %d previous_hash fields rewritten, state now %s", rewritten, after.State)

	result := &RepairResult{Before: before, After: after, Rewritten: rewritten}
	if err := l.Persist(); err != nil {
		return result, err
	}
	return result, nil
}
