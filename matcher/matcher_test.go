package matcher

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ddr4869/organchain/common/types"
	"github.com/ddr4869/organchain/registry"
	_ "github.com/mattn/go-sqlite3"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingBackend struct {
	mutex   sync.Mutex
	entries []types.Transaction
	fail    bool
}

func (b *recordingBackend) Append(_ context.Context, tx types.Transaction) (*types.Block, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.fail {
		return nil, errors.New("ledger offline")
	}
	b.entries = append(b.entries, tx)
	return &types.Block{Index: len(b.entries) + 1}, nil
}

func (b *recordingBackend) Read(context.Context, bool) ([]*types.Block, error) {
	return nil, nil
}

type fixture struct {
	g       *WithT
	store   registry.Store
	base    time.Time
	general *registry.Hospital
	city    *registry.Hospital
}

func newFixture(t *testing.T, store registry.Store) *fixture {
	f := &fixture{
		g:     NewWithT(t),
		store: store,
		base:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.general = &registry.Hospital{Name: "General"}
	f.city = &registry.Hospital{Name: "City"}
	f.g.Expect(store.AddHospital(context.Background(), f.general)).To(Succeed())
	f.g.Expect(store.AddHospital(context.Background(), f.city)).To(Succeed())
	return f
}

func (f *fixture) donor(bloodType registry.BloodType, organ string, minute int) *registry.Donor {
	d := &registry.Donor{
		HospitalID: f.general.ID, Name: "donor", BloodType: bloodType, Organ: organ,
		RegisteredAt: f.base.Add(time.Duration(minute) * time.Minute),
	}
	f.g.Expect(f.store.AddDonor(context.Background(), d)).To(Succeed())
	return d
}

func (f *fixture) patient(bloodType registry.BloodType, organ string, minute int) *registry.Patient {
	p := &registry.Patient{
		HospitalID: f.city.ID, Name: "patient", BloodType: bloodType, Organ: organ,
		RegisteredAt: f.base.Add(time.Duration(minute) * time.Minute),
	}
	f.g.Expect(f.store.AddPatient(context.Background(), p)).To(Succeed())
	return p
}

func (f *fixture) statusOf(patient *registry.Patient) registry.Status {
	patients, err := f.store.ListPatients(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	for _, p := range patients {
		if p.ID == patient.ID {
			return p.Status
		}
	}
	return ""
}

func TestEarlierPatientIsMatchedFirst(t *testing.T) {
	f := newFixture(t, registry.NewMemory())
	backend := &recordingBackend{}

	donor := f.donor(registry.OMinus, "Kidney", 1)
	early := f.patient(registry.APlus, "Kidney", 2)
	late := f.patient(registry.OMinus, "Kidney", 3)

	result, err := New(f.store, backend).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(HaveLen(1))
	f.g.Expect(result.Matches[0].DonorID).To(Equal(donor.ID))
	f.g.Expect(result.Matches[0].PatientID).To(Equal(early.ID))
	f.g.Expect(result.Matches[0].BloodType).To(Equal(registry.OMinus))
	f.g.Expect(f.statusOf(early)).To(Equal(registry.StatusMatched))
	f.g.Expect(f.statusOf(late)).To(Equal(registry.StatusNotMatched))

	f.g.Expect(backend.entries).To(Equal([]types.Transaction{{
		SubjectID:     donor.UniqueID,
		Category:      "Kidney_match",
		HospitalLabel: "General_to_City",
		CounterpartID: early.UniqueID,
	}}))
}

func TestDonorsAreServedInRegistrationOrder(t *testing.T) {
	f := newFixture(t, registry.NewMemory())

	// registered out of insertion order
	second := f.donor(registry.OPlus, "Liver", 5)
	first := f.donor(registry.OPlus, "Liver", 1)
	patient := f.patient(registry.OPlus, "Liver", 0)

	result, err := New(f.store, nil).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(HaveLen(1))
	f.g.Expect(result.Matches[0].DonorID).To(Equal(first.ID))
	f.g.Expect(result.Matches[0].PatientID).To(Equal(patient.ID))
	f.g.Expect(second.ID).ToNot(Equal(first.ID))
}

func TestIncompatibleAndOtherOrgansAreNotMatched(t *testing.T) {
	f := newFixture(t, registry.NewMemory())

	f.donor(registry.ABMinus, "Heart", 1)
	f.patient(registry.OPlus, "Heart", 2)
	f.donor(registry.ABPlus, "Lung", 3)
	f.patient(registry.APlus, "Lung", 4)
	f.donor(registry.OMinus, "Cornea", 5)
	f.patient(registry.OMinus, "Kidney", 6)

	result, err := New(f.store, nil).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(BeEmpty())
}

func TestUniversalDonorServesEveryGroup(t *testing.T) {
	f := newFixture(t, registry.NewMemory())

	var patients []*registry.Patient
	for i, bloodType := range registry.BloodTypes {
		f.donor(registry.OMinus, "kidney", i)
		patients = append(patients, f.patient(bloodType, "Kidney", 100+i))
	}

	result, err := New(f.store, nil).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(HaveLen(len(registry.BloodTypes)))
	for i, match := range result.Matches {
		f.g.Expect(match.PatientID).To(Equal(patients[i].ID))
	}
}

func TestABPlusDonorOnlyServesABPlus(t *testing.T) {
	f := newFixture(t, registry.NewMemory())

	f.donor(registry.ABPlus, "Kidney", 10)
	for i, bloodType := range registry.BloodTypes {
		f.patient(bloodType, "Kidney", i)
	}

	result, err := New(f.store, nil).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(HaveLen(1))

	patients, err := f.store.ListPatients(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	for _, p := range patients {
		if p.ID == result.Matches[0].PatientID {
			f.g.Expect(p.BloodType).To(Equal(registry.ABPlus))
		}
	}
}

func TestNoPatientIsMatchedTwice(t *testing.T) {
	f := newFixture(t, registry.NewMemory())

	// every donor can give to the single A+ patient through a different queue
	f.donor(registry.OMinus, "Kidney", 1)
	f.donor(registry.APlus, "Kidney", 2)
	f.donor(registry.AMinus, "Kidney", 3)
	f.patient(registry.APlus, "Kidney", 0)

	result, err := New(f.store, nil).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(HaveLen(1))

	seen := map[int64]bool{}
	matches, err := f.store.ListMatches(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	for _, m := range matches {
		f.g.Expect(seen[m.PatientID]).To(BeFalse())
		seen[m.PatientID] = true
	}
}

func TestRepeatedRunIsIdempotent(t *testing.T) {
	f := newFixture(t, registry.NewMemory())
	backend := &recordingBackend{}
	m := New(f.store, backend)

	f.donor(registry.BPlus, "Kidney", 1)
	f.patient(registry.ABPlus, "Kidney", 2)
	f.patient(registry.BPlus, "Kidney", 3)

	first, err := m.Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(first.Matches).To(HaveLen(1))

	second, err := m.Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(second.Matches).To(BeEmpty())
	f.g.Expect(backend.entries).To(HaveLen(1))
}

func TestLedgerFailureDoesNotUndoMatch(t *testing.T) {
	f := newFixture(t, registry.NewMemory())
	backend := &recordingBackend{fail: true}

	f.donor(registry.OPlus, "Kidney", 1)
	patient := f.patient(registry.OPlus, "Kidney", 2)

	result, err := New(f.store, backend).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(HaveLen(1))
	f.g.Expect(result.LedgerFailures).To(Equal(1))
	f.g.Expect(f.statusOf(patient)).To(Equal(registry.StatusMatched))

	matches, err := f.store.ListMatches(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(matches).To(HaveLen(1))
}

// conflictingStore reports every pairing as already taken.
type conflictingStore struct {
	registry.Store
}

func (s conflictingStore) Update(ctx context.Context, fn func(registry.Tx) error) error {
	return s.Store.Update(ctx, func(tx registry.Tx) error {
		return fn(conflictingTx{tx})
	})
}

type conflictingTx struct {
	registry.Tx
}

func (conflictingTx) CreateMatch(*registry.MatchRecord) error {
	return errors.Wrap(registry.ErrAlreadyMatched, "donor 1")
}

func TestConflictsAreSkipped(t *testing.T) {
	f := newFixture(t, registry.NewMemory())
	backend := &recordingBackend{}

	f.donor(registry.OPlus, "Kidney", 1)
	f.donor(registry.OPlus, "Kidney", 2)
	f.patient(registry.OPlus, "Kidney", 3)
	f.patient(registry.OPlus, "Kidney", 4)

	result, err := New(conflictingStore{f.store}, backend).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Matches).To(BeEmpty())
	f.g.Expect(result.Conflicts).To(Equal(2))
	f.g.Expect(backend.entries).To(BeEmpty())
}

func TestConcurrentRunsNeverDoubleMatch(t *testing.T) {
	store, err := registry.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	defer store.Close()
	f := newFixture(t, store)
	backend := &recordingBackend{}

	for i := 0; i < 10; i++ {
		f.donor(registry.OMinus, "Kidney", i)
		f.patient(registry.BloodTypes[i%len(registry.BloodTypes)], "Kidney", 20+i)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := New(store, backend).Run(context.Background())
			f.g.Expect(err).ToNot(HaveOccurred())
		}()
	}
	wg.Wait()

	matches, err := store.ListMatches(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(matches).To(HaveLen(10))
	f.g.Expect(backend.entries).To(HaveLen(10))
}

// refusingStore fails CreateMatch for one donor and defers to the wrapped
// store for everyone else.
type refusingStore struct {
	registry.Store
	donorID int64
}

func (s refusingStore) Update(ctx context.Context, fn func(registry.Tx) error) error {
	return s.Store.Update(ctx, func(tx registry.Tx) error {
		return fn(refusingTx{tx, s.donorID})
	})
}

type refusingTx struct {
	registry.Tx
	donorID int64
}

func (tx refusingTx) CreateMatch(match *registry.MatchRecord) error {
	if match.DonorID == tx.donorID {
		return errors.Wrapf(registry.ErrAlreadyMatched, "donor %d", match.DonorID)
	}
	return tx.Tx.CreateMatch(match)
}

func TestConflictLeavesPatientForNextDonor(t *testing.T) {
	f := newFixture(t, registry.NewMemory())
	backend := &recordingBackend{}

	refused := f.donor(registry.OPlus, "Kidney", 1)
	next := f.donor(registry.OPlus, "Kidney", 2)
	patient := f.patient(registry.OPlus, "Kidney", 3)

	result, err := New(refusingStore{f.store, refused.ID}, backend).Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Conflicts).To(Equal(1))
	f.g.Expect(result.Matches).To(HaveLen(1))
	f.g.Expect(result.Matches[0].DonorID).To(Equal(next.ID))
	f.g.Expect(result.Matches[0].PatientID).To(Equal(patient.ID))
	f.g.Expect(f.statusOf(patient)).To(Equal(registry.StatusMatched))
	f.g.Expect(backend.entries).To(HaveLen(1))
}

func TestConflictIsLoggedWithoutStack(t *testing.T) {
	f := newFixture(t, registry.NewMemory())
	core, logs := observer.New(zap.WarnLevel)

	f.donor(registry.OPlus, "Kidney", 1)
	f.patient(registry.OPlus, "Kidney", 2)

	m := New(conflictingStore{f.store}, nil)
	m.log = zap.New(core).Sugar()
	result, err := m.Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Conflicts).To(Equal(1))

	entries := logs.FilterMessage("Skipping pair").All()
	f.g.Expect(entries).To(HaveLen(1))
	fields := entries[0].ContextMap()
	f.g.Expect(fields).ToNot(HaveKey("errorVerbose"))
	f.g.Expect(fields["error"]).To(Equal("donor 1: donor or patient already matched"))
	f.g.Expect(fields["reason"]).To(Equal(ErrMatchConflict.Error()))
}

func TestStaleMatchRowDoesNotStallQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	store, err := registry.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	defer store.Close()
	f := newFixture(t, store)
	backend := &recordingBackend{}

	// an earlier run recorded stale -> old but only old's status was updated
	stale := f.donor(registry.OMinus, "Kidney", 1)
	old := f.patient(registry.OMinus, "Kidney", 0)
	db, err := sql.Open("sqlite3", path)
	f.g.Expect(err).ToNot(HaveOccurred())
	defer db.Close()
	_, err = db.Exec(`
		INSERT INTO match_record (donor_id, patient_id, donor_hospital_id, patient_hospital_id, organ, blood_type, matched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stale.ID, old.ID, f.general.ID, f.city.ID, "Kidney", string(registry.OMinus), f.base.UnixNano())
	f.g.Expect(err).ToNot(HaveOccurred())
	_, err = db.Exec(`UPDATE patient SET status = ? WHERE id = ?`, string(registry.StatusMatched), old.ID)
	f.g.Expect(err).ToNot(HaveOccurred())

	waiting := f.patient(registry.OPlus, "Kidney", 2)
	fresh := f.donor(registry.OMinus, "Kidney", 3)

	m := New(store, backend)
	result, err := m.Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(result.Conflicts).To(BeZero())
	f.g.Expect(result.Matches).To(HaveLen(1))
	f.g.Expect(result.Matches[0].DonorID).To(Equal(fresh.ID))
	f.g.Expect(result.Matches[0].PatientID).To(Equal(waiting.ID))
	f.g.Expect(f.statusOf(waiting)).To(Equal(registry.StatusMatched))

	again, err := m.Run(context.Background())
	f.g.Expect(err).ToNot(HaveOccurred())
	f.g.Expect(again.Conflicts).To(BeZero())
	f.g.Expect(again.Matches).To(BeEmpty())
}
