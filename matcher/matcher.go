package matcher

import (
	"context"
	"strings"
	"sync"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/common/types"
	"github.com/ddr4869/organchain/ledger"
	"github.com/ddr4869/organchain/registry"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrMatchConflict marks a pairing the registry refused because one side was
// already matched. The donor is skipped, the patient stays in line and the
// run continues.
var ErrMatchConflict = errors.New("match conflict")

// Result summarises one matching run.
type Result struct {
	Matches        []*registry.MatchRecord
	Conflicts      int
	LedgerFailures int
}

// Matcher pairs waiting donors and patients first come, first served.
type Matcher struct {
	mutex   sync.Mutex
	store   registry.Store
	backend ledger.Backend
	log     *zap.SugaredLogger
}

// New creates a matcher. backend may be nil, in which case matches are not
// recorded on the ledger.
func New(store registry.Store, backend ledger.Backend) *Matcher {
	return &Matcher{
		store:   store,
		backend: backend,
		log:     logger.Named("matcher"),
	}
}

// Run performs one matching pass inside a single registry transaction, then
// records every new match on the ledger. Ledger failures are counted, never
// undone: the registry is the system of record.
func (m *Matcher) Run(ctx context.Context) (*Result, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var (
		result  *Result
		entries []types.Transaction
	)
	err := m.store.Update(ctx, func(tx registry.Tx) error {
		result, entries = &Result{}, nil
		return m.pair(tx, result, &entries)
	})
	if err != nil {
		return nil, errors.Wrap(err, "matching run failed")
	}

	if m.backend != nil {
		for i, entry := range entries {
			if _, err := m.backend.Append(ctx, entry); err != nil {
				result.LedgerFailures++
				m.log.Warnw("Failed to record match on ledger", "match_id", result.Matches[i].ID, "error", err)
			}
		}
	}

	m.log.Infof("Matching run finished: %d matches, %d conflicts, %d ledger failures",
		len(result.Matches), result.Conflicts, result.LedgerFailures)
	return result, nil
}

func (m *Matcher) pair(tx registry.Tx, result *Result, entries *[]types.Transaction) error {
	donors, err := tx.UnmatchedDonors()
	if err != nil {
		return err
	}
	patients, err := tx.UnmatchedPatients()
	if err != nil {
		return err
	}

	queues := newQueues(patients)
	for _, donor := range donors {
		patient := queues.pop(donor.Organ, donor.BloodType)
		if patient == nil {
			continue
		}

		match := &registry.MatchRecord{
			DonorID:           donor.ID,
			PatientID:         patient.ID,
			DonorHospitalID:   donor.HospitalID,
			PatientHospitalID: patient.HospitalID,
			Organ:             donor.Organ,
			BloodType:         donor.BloodType,
			DonorUniqueID:     donor.UniqueID,
			PatientUniqueID:   patient.UniqueID,
		}
		if err := tx.CreateMatch(match); err != nil {
			if errors.Is(err, registry.ErrAlreadyMatched) {
				result.Conflicts++
				// the patient stays available to the next compatible donor
				queues.putBack(donor.Organ, donor.BloodType, patient)
				m.log.Warnw("Skipping pair", "donor_id", donor.ID, "patient_id", patient.ID,
					"reason", ErrMatchConflict.Error(), "error", err.Error())
				continue
			}
			return err
		}

		entry, err := matchTransaction(tx, match)
		if err != nil {
			return err
		}
		result.Matches = append(result.Matches, match)
		*entries = append(*entries, entry)
		m.log.Debugf("Matched donor %d (%s) with patient %d (%s) for %s",
			donor.ID, donor.BloodType, patient.ID, patient.BloodType, donor.Organ)
	}
	return nil
}

// matchTransaction resolves both hospitals and builds the ledger entry.
func matchTransaction(tx registry.Tx, match *registry.MatchRecord) (types.Transaction, error) {
	donorHospital, err := tx.HospitalName(match.DonorHospitalID)
	if err != nil {
		return types.Transaction{}, err
	}
	patientHospital, err := tx.HospitalName(match.PatientHospitalID)
	if err != nil {
		return types.Transaction{}, err
	}
	return registry.MatchTransaction(match, donorHospital, patientHospital), nil
}

type queueKey struct {
	organ string
	donor registry.BloodType
}

// queues holds, per organ and donor group, the patients that group may give
// to in registration order. A patient sits in several queues, so consumed
// tracks who has been taken during this run.
type queues struct {
	byKey    map[queueKey][]*registry.Patient
	consumed map[int64]bool
}

func organKey(organ string) string {
	return strings.ToLower(strings.TrimSpace(organ))
}

func newQueues(patients []*registry.Patient) *queues {
	q := &queues{
		byKey:    make(map[queueKey][]*registry.Patient),
		consumed: make(map[int64]bool),
	}
	for _, patient := range patients {
		for _, donorType := range Donors(patient.BloodType) {
			key := queueKey{organ: organKey(patient.Organ), donor: donorType}
			q.byKey[key] = append(q.byKey[key], patient)
		}
	}
	return q
}

// pop removes and returns the earliest patient still waiting for organ from a
// donor of the given group, or nil.
func (q *queues) pop(organ string, donor registry.BloodType) *registry.Patient {
	key := queueKey{organ: organKey(organ), donor: donor}
	waiting := q.byKey[key]
	for len(waiting) > 0 {
		patient := waiting[0]
		waiting = waiting[1:]
		if !q.consumed[patient.ID] {
			q.consumed[patient.ID] = true
			q.byKey[key] = waiting
			return patient
		}
	}
	q.byKey[key] = waiting
	return nil
}

// putBack returns a popped patient to the head of the queue it came from.
func (q *queues) putBack(organ string, donor registry.BloodType, patient *registry.Patient) {
	key := queueKey{organ: organKey(organ), donor: donor}
	delete(q.consumed, patient.ID)
	q.byKey[key] = append([]*registry.Patient{patient}, q.byKey[key]...)
}
