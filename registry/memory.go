package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Memory is an in-process Store. Update works on a staged copy that replaces
// the live state only when fn succeeds.
type Memory struct {
	mutex    sync.Mutex
	state    *memoryState
	settings settings
}

var _ Store = (*Memory)(nil)

type memoryState struct {
	hospitals []*Hospital
	donors    []*Donor
	patients  []*Patient
	matches   []*MatchRecord
	lastID    map[string]int64
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		state:    &memoryState{lastID: make(map[string]int64)},
		settings: newSettings(opts),
	}
}

func (s *memoryState) nextID(table string) int64 {
	s.lastID[table]++
	return s.lastID[table]
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{lastID: make(map[string]int64, len(s.lastID))}
	for k, v := range s.lastID {
		c.lastID[k] = v
	}
	for _, h := range s.hospitals {
		h := *h
		c.hospitals = append(c.hospitals, &h)
	}
	for _, d := range s.donors {
		d := *d
		c.donors = append(c.donors, &d)
	}
	for _, p := range s.patients {
		p := *p
		c.patients = append(c.patients, &p)
	}
	for _, m := range s.matches {
		m := *m
		c.matches = append(c.matches, &m)
	}
	return c
}

// hasMatch reports whether a match row names donorID or patientID. Ids are
// never 0, so 0 matches nothing.
func (s *memoryState) hasMatch(donorID, patientID int64) bool {
	for _, m := range s.matches {
		if (donorID != 0 && m.DonorID == donorID) || (patientID != 0 && m.PatientID == patientID) {
			return true
		}
	}
	return false
}

func (s *memoryState) hospital(id int64) *Hospital {
	for _, h := range s.hospitals {
		if h.ID == id {
			return h
		}
	}
	return nil
}

func (s *memoryState) donor(id int64) *Donor {
	for _, d := range s.donors {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (s *memoryState) patient(id int64) *Patient {
	for _, p := range s.patients {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (m *Memory) AddHospital(_ context.Context, hospital *Hospital) error {
	if strings.TrimSpace(hospital.Name) == "" {
		return errors.New("hospital name is required")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if hospital.Email != "" {
		for _, h := range m.state.hospitals {
			if strings.EqualFold(h.Email, hospital.Email) {
				return errors.Errorf("hospital email %s already registered", hospital.Email)
			}
		}
	}
	hospital.ID = m.state.nextID("hospital")
	if hospital.CreatedAt.IsZero() {
		hospital.CreatedAt = m.settings.now().UTC()
	}
	stored := *hospital
	m.state.hospitals = append(m.state.hospitals, &stored)
	return nil
}

func (m *Memory) AddDonor(_ context.Context, donor *Donor) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := prepareDonor(donor, m.settings.now()); err != nil {
		return err
	}
	if m.state.hospital(donor.HospitalID) == nil {
		return errors.Wrapf(ErrNotFound, "hospital %d", donor.HospitalID)
	}
	donor.ID = m.state.nextID("donor")
	stored := *donor
	m.state.donors = append(m.state.donors, &stored)
	return nil
}

func (m *Memory) AddPatient(_ context.Context, patient *Patient) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := preparePatient(patient, m.settings.now()); err != nil {
		return err
	}
	if m.state.hospital(patient.HospitalID) == nil {
		return errors.Wrapf(ErrNotFound, "hospital %d", patient.HospitalID)
	}
	patient.ID = m.state.nextID("patient")
	stored := *patient
	m.state.patients = append(m.state.patients, &stored)
	return nil
}

func (m *Memory) GetHospital(_ context.Context, id int64) (*Hospital, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	h := m.state.hospital(id)
	if h == nil {
		return nil, errors.Wrapf(ErrNotFound, "hospital %d", id)
	}
	c := *h
	return &c, nil
}

func (m *Memory) ListHospitals(_ context.Context) ([]*Hospital, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state.clone().hospitals, nil
}

func (m *Memory) ListDonors(_ context.Context) ([]*Donor, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state.clone().donors, nil
}

func (m *Memory) ListPatients(_ context.Context) ([]*Patient, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state.clone().patients, nil
}

func (m *Memory) ListMatches(_ context.Context) ([]*MatchRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state.clone().matches, nil
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	staged := m.state.clone()
	if err := fn(&memoryTx{state: staged, now: m.settings.now}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *Memory) Close() error {
	return nil
}

type memoryTx struct {
	state *memoryState
	now   func() time.Time
}

func (tx *memoryTx) UnmatchedDonors() ([]*Donor, error) {
	var donors []*Donor
	for _, d := range tx.state.donors {
		if d.Status != StatusMatched && !tx.state.hasMatch(d.ID, 0) {
			c := *d
			donors = append(donors, &c)
		}
	}
	sort.SliceStable(donors, func(i, j int) bool {
		return registeredBefore(donors[i].RegisteredAt, donors[i].ID, donors[j].RegisteredAt, donors[j].ID)
	})
	return donors, nil
}

func (tx *memoryTx) UnmatchedPatients() ([]*Patient, error) {
	var patients []*Patient
	for _, p := range tx.state.patients {
		if p.Status != StatusMatched && !tx.state.hasMatch(0, p.ID) {
			c := *p
			patients = append(patients, &c)
		}
	}
	sort.SliceStable(patients, func(i, j int) bool {
		return registeredBefore(patients[i].RegisteredAt, patients[i].ID, patients[j].RegisteredAt, patients[j].ID)
	})
	return patients, nil
}

func (tx *memoryTx) HospitalName(id int64) (string, error) {
	if h := tx.state.hospital(id); h != nil {
		return h.Name, nil
	}
	return UnknownHospital, nil
}

func (tx *memoryTx) CreateMatch(match *MatchRecord) error {
	donor := tx.state.donor(match.DonorID)
	if donor == nil {
		return errors.Wrapf(ErrNotFound, "donor %d", match.DonorID)
	}
	patient := tx.state.patient(match.PatientID)
	if patient == nil {
		return errors.Wrapf(ErrNotFound, "patient %d", match.PatientID)
	}
	if donor.Status == StatusMatched || patient.Status == StatusMatched {
		return errors.Wrapf(ErrAlreadyMatched, "donor %d, patient %d", donor.ID, patient.ID)
	}
	if tx.state.hasMatch(donor.ID, patient.ID) {
		return errors.Wrapf(ErrAlreadyMatched, "donor %d, patient %d", donor.ID, patient.ID)
	}

	match.ID = tx.state.nextID("match_record")
	if match.MatchedAt.IsZero() {
		match.MatchedAt = tx.now().UTC()
	}
	match.DonorUniqueID = donor.UniqueID
	match.PatientUniqueID = patient.UniqueID
	donor.Status = StatusMatched
	patient.Status = StatusMatched

	stored := *match
	tx.state.matches = append(tx.state.matches, &stored)
	return nil
}
