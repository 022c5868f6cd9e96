package registry

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a looked up record does not exist.
	ErrNotFound = errors.New("registry record not found")
	// ErrAlreadyMatched is returned by CreateMatch when the donor or the
	// patient already takes part in a match.
	ErrAlreadyMatched = errors.New("donor or patient already matched")
	ErrInvalidBloodType = errors.New("invalid blood type")
)

// UnknownHospital labels a hospital id that no longer resolves.
const UnknownHospital = "Unknown"

type Status string

const (
	StatusNotMatched Status = "Not Matched"
	StatusMatched    Status = "Matched"
)

// BloodType is one of the eight ABO/Rh groups.
type BloodType string

const (
	OMinus  BloodType = "O-"
	OPlus   BloodType = "O+"
	AMinus  BloodType = "A-"
	APlus   BloodType = "A+"
	BMinus  BloodType = "B-"
	BPlus   BloodType = "B+"
	ABMinus BloodType = "AB-"
	ABPlus  BloodType = "AB+"
)

// BloodTypes lists every group in table order.
var BloodTypes = []BloodType{OMinus, OPlus, AMinus, APlus, BMinus, BPlus, ABMinus, ABPlus}

// ParseBloodType accepts any casing and surrounding whitespace.
func ParseBloodType(s string) (BloodType, error) {
	candidate := BloodType(strings.ToUpper(strings.TrimSpace(s)))
	if !candidate.Valid() {
		return "", errors.Wrapf(ErrInvalidBloodType, "%q", s)
	}
	return candidate, nil
}

func (b BloodType) Valid() bool {
	for _, known := range BloodTypes {
		if b == known {
			return true
		}
	}
	return false
}

func (b BloodType) String() string {
	return string(b)
}

type Hospital struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

// Donor is a registered organ donor. UniqueID, Status and RegisteredAt are
// filled on insert when left empty.
type Donor struct {
	ID           int64     `json:"id"`
	UniqueID     string    `json:"unique_id"`
	HospitalID   int64     `json:"hospital_id"`
	Name         string    `json:"name"`
	Age          int       `json:"age"`
	Gender       string    `json:"gender"`
	BloodType    BloodType `json:"blood_type"`
	Organ        string    `json:"organ"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Patient is a registered recipient waiting for an organ.
type Patient struct {
	ID           int64     `json:"id"`
	UniqueID     string    `json:"unique_id"`
	HospitalID   int64     `json:"hospital_id"`
	Name         string    `json:"name"`
	Age          int       `json:"age"`
	Gender       string    `json:"gender"`
	BloodType    BloodType `json:"blood_type"`
	Organ        string    `json:"organ"`
	Status       Status    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// MatchRecord links one donor to one patient. BloodType is the donor's group.
// The unique ids are resolved on read.
type MatchRecord struct {
	ID                int64     `json:"id"`
	DonorID           int64     `json:"donor_id"`
	PatientID         int64     `json:"patient_id"`
	DonorHospitalID   int64     `json:"donor_hospital_id"`
	PatientHospitalID int64     `json:"patient_hospital_id"`
	Organ             string    `json:"organ"`
	BloodType         BloodType `json:"blood_type"`
	MatchedAt         time.Time `json:"matched_at"`

	DonorUniqueID   string `json:"donor_unique_id,omitempty"`
	PatientUniqueID string `json:"patient_unique_id,omitempty"`
}

// Store is the donor / patient / hospital registry.
type Store interface {
	AddHospital(ctx context.Context, hospital *Hospital) error
	AddDonor(ctx context.Context, donor *Donor) error
	AddPatient(ctx context.Context, patient *Patient) error

	GetHospital(ctx context.Context, id int64) (*Hospital, error)
	ListHospitals(ctx context.Context) ([]*Hospital, error)
	ListDonors(ctx context.Context) ([]*Donor, error)
	ListPatients(ctx context.Context) ([]*Patient, error)
	ListMatches(ctx context.Context) ([]*MatchRecord, error)

	// Update runs fn in one registry transaction. It commits when fn returns
	// nil and rolls back otherwise.
	Update(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Tx is the view of the registry inside Update.
type Tx interface {
	// UnmatchedDonors returns donors not yet matched, earliest registration first.
	UnmatchedDonors() ([]*Donor, error)
	// UnmatchedPatients returns patients not yet matched, earliest registration first.
	UnmatchedPatients() ([]*Patient, error)
	// HospitalName resolves id, returning UnknownHospital when it does not exist.
	HospitalName(id int64) (string, error)
	// CreateMatch stores match and marks both parties Matched. It fails with
	// ErrAlreadyMatched and leaves the registry unchanged when either party
	// is already matched.
	CreateMatch(match *MatchRecord) error
}

// Option customises a Store implementation.
type Option func(*settings)

type settings struct {
	now func() time.Time
}

// WithClock replaces time.Now for registration and match timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		s.now = now
	}
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func newUniqueID() string {
	return uuid.NewString()
}

func prepareDonor(donor *Donor, now time.Time) error {
	if err := validateParty(donor.HospitalID, donor.Organ, &donor.BloodType); err != nil {
		return err
	}
	if donor.UniqueID == "" {
		donor.UniqueID = newUniqueID()
	}
	if donor.Status == "" {
		donor.Status = StatusNotMatched
	}
	if donor.RegisteredAt.IsZero() {
		donor.RegisteredAt = now
	}
	donor.RegisteredAt = donor.RegisteredAt.UTC()
	return nil
}

func preparePatient(patient *Patient, now time.Time) error {
	if err := validateParty(patient.HospitalID, patient.Organ, &patient.BloodType); err != nil {
		return err
	}
	if patient.UniqueID == "" {
		patient.UniqueID = newUniqueID()
	}
	if patient.Status == "" {
		patient.Status = StatusNotMatched
	}
	if patient.RegisteredAt.IsZero() {
		patient.RegisteredAt = now
	}
	patient.RegisteredAt = patient.RegisteredAt.UTC()
	return nil
}

// registeredBefore orders by registration time, then id.
func registeredBefore(at time.Time, id int64, otherAt time.Time, otherID int64) bool {
	if !at.Equal(otherAt) {
		return at.Before(otherAt)
	}
	return id < otherID
}

func validateParty(hospitalID int64, organ string, bloodType *BloodType) error {
	if hospitalID <= 0 {
		return errors.New("hospital id is required")
	}
	if strings.TrimSpace(organ) == "" {
		return errors.New("organ is required")
	}
	parsed, err := ParseBloodType(string(*bloodType))
	if err != nil {
		return err
	}
	*bloodType = parsed
	return nil
}
