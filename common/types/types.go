package types

// GenesisPreviousHash is the previous_hash sentinel of the first block.
const GenesisPreviousHash = "0"

// Transaction categories written by the registration and matching paths.
const (
	CategoryHospitalRegistration = "hospital_registration"
	matchCategorySuffix          = "_match"
)

// MatchCategory returns the category recorded for a match of organ.
func MatchCategory(organ string) string {
	return organ + matchCategorySuffix
}

// Transaction is the plaintext of one ledger entry. It is encrypted before
// it is attached to a block and never mutated afterwards.
type Transaction struct {
	SubjectID     string `json:"subject_id"`
	Category      string `json:"category"`
	HospitalLabel string `json:"hospital_label"`
	CounterpartID string `json:"counterpart_id"`
}

// Entry is one encrypted transaction attached to a block.
type Entry struct {
	DataEncrypted string `json:"data_encrypted"`
	// DataDecrypted is only set on read copies and is never persisted or hashed.
	DataDecrypted *Transaction `json:"data_decrypted,omitempty"`
}

// Block represents one element of the audit chain
type Block struct {
	Index        int     `json:"index"`
	Timestamp    float64 `json:"timestamp"` // seconds since the Unix epoch
	PreviousHash string  `json:"previous_hash"`
	Data         []Entry `json:"data"`
}

// Clone returns a deep copy of the block, including decrypted views.
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Data = make([]Entry, len(b.Data))
	for i, entry := range b.Data {
		clone.Data[i] = Entry{DataEncrypted: entry.DataEncrypted}
		if entry.DataDecrypted != nil {
			tx := *entry.DataDecrypted
			clone.Data[i].DataDecrypted = &tx
		}
	}
	return &clone
}

// Stripped returns a deep copy without decrypted views, i.e. the form that
// may be persisted.
func (b *Block) Stripped() *Block {
	clone := b.Clone()
	if clone == nil {
		return nil
	}
	for i := range clone.Data {
		clone.Data[i].DataDecrypted = nil
	}
	return clone
}

// Snapshot is the persisted document: the full ordered chain, ciphertext only.
type Snapshot struct {
	Blocks []*Block `json:"blocks"`
}
