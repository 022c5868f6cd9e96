package registry

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLite is the durable Store. Write transactions take the database lock up
// front (_txlock=immediate) so concurrent matching runs serialise.
type SQLite struct {
	db       *sql.DB
	settings settings
}

var _ Store = (*SQLite)(nil)

// requiredParams are forced on every connection: matching runs rely on the
// immediate write lock and on foreign keys.
var requiredParams = map[string]string{
	"_txlock":       "immediate",
	"_foreign_keys": "on",
}

// defaultParams apply unless the caller sets them.
var defaultParams = map[string]string{
	"_busy_timeout": "5000",
}

// sqliteDSN turns a path or file: URI into the DSN the store opens, merging
// the caller's parameters with the ones the store needs. It also returns the
// file path.
func sqliteDSN(dsn string) (string, string, error) {
	path, query, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" {
		return "", "", errors.New("registry path cannot be empty")
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return "", "", errors.Wrapf(err, "invalid registry dsn parameters %q", query)
	}
	for key, value := range defaultParams {
		if params.Get(key) == "" {
			params.Set(key, value)
		}
	}
	for key, value := range requiredParams {
		params.Set(key, value)
	}
	return "file:" + path + "?" + params.Encode(), path, nil
}

// OpenSQLite opens (creating if needed) the registry database at path and
// migrates it to the current schema.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLite, error) {
	dsn, file, err := sqliteDSN(path)
	if err != nil {
		return nil, err
	}
	if file != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create registry directory")
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open registry database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping registry database")
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("Registry database ready at %s", path)
	return &SQLite{db: db, settings: newSettings(opts)}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func (s *SQLite) AddHospital(ctx context.Context, hospital *Hospital) error {
	if strings.TrimSpace(hospital.Name) == "" {
		return errors.New("hospital name is required")
	}
	if hospital.CreatedAt.IsZero() {
		hospital.CreatedAt = s.settings.now().UTC()
	}

	var email any
	if hospital.Email != "" {
		email = hospital.Email
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO hospital (name, email, location, created_at) VALUES (?, ?, ?, ?)`,
		hospital.Name, email, hospital.Location, toNanos(hospital.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Errorf("hospital email %s already registered", hospital.Email)
		}
		return errors.Wrap(err, "failed to insert hospital")
	}
	hospital.ID, err = result.LastInsertId()
	return errors.Wrap(err, "failed to read hospital id")
}

func (s *SQLite) AddDonor(ctx context.Context, donor *Donor) error {
	if err := prepareDonor(donor, s.settings.now()); err != nil {
		return err
	}
	id, err := s.insertParty(ctx, "donor", donor.UniqueID, donor.HospitalID, donor.Name, donor.Age,
		donor.Gender, donor.BloodType, donor.Organ, donor.Status, donor.RegisteredAt)
	if err != nil {
		return err
	}
	donor.ID = id
	return nil
}

func (s *SQLite) AddPatient(ctx context.Context, patient *Patient) error {
	if err := preparePatient(patient, s.settings.now()); err != nil {
		return err
	}
	id, err := s.insertParty(ctx, "patient", patient.UniqueID, patient.HospitalID, patient.Name, patient.Age,
		patient.Gender, patient.BloodType, patient.Organ, patient.Status, patient.RegisteredAt)
	if err != nil {
		return err
	}
	patient.ID = id
	return nil
}

// insertParty writes a donor or patient row; table is one of the two constants.
func (s *SQLite) insertParty(ctx context.Context, table, uniqueID string, hospitalID int64, name string, age int,
	gender string, bloodType BloodType, organ string, status Status, registeredAt time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO `+table+` (unique_id, hospital_id, name, age, gender, blood_type, organ, status, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uniqueID, hospitalID, name, age, gender, string(bloodType), organ, string(status), toNanos(registeredAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, errors.Wrapf(ErrNotFound, "hospital %d", hospitalID)
		}
		return 0, errors.Wrapf(err, "failed to insert %s", table)
	}
	id, err := result.LastInsertId()
	return id, errors.Wrapf(err, "failed to read %s id", table)
}

func (s *SQLite) GetHospital(ctx context.Context, id int64) (*Hospital, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(email, ''), location, created_at FROM hospital WHERE id = ?`, id)
	hospital, err := scanHospital(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "hospital %d", id)
	}
	return hospital, err
}

func (s *SQLite) ListHospitals(ctx context.Context) ([]*Hospital, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(email, ''), location, created_at FROM hospital ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query hospitals")
	}
	defer rows.Close()

	var hospitals []*Hospital
	for rows.Next() {
		hospital, err := scanHospital(rows)
		if err != nil {
			return nil, err
		}
		hospitals = append(hospitals, hospital)
	}
	return hospitals, errors.Wrap(rows.Err(), "failed to iterate hospitals")
}

func (s *SQLite) ListDonors(ctx context.Context) ([]*Donor, error) {
	return queryDonors(ctx, s.db, `ORDER BY id`)
}

func (s *SQLite) ListPatients(ctx context.Context) ([]*Patient, error) {
	return queryPatients(ctx, s.db, `ORDER BY id`)
}

func (s *SQLite) ListMatches(ctx context.Context) ([]*MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.donor_id, m.patient_id, m.donor_hospital_id, m.patient_hospital_id,
			m.organ, m.blood_type, m.matched_at, d.unique_id, p.unique_id
		FROM match_record m
		JOIN donor d ON d.id = m.donor_id
		JOIN patient p ON p.id = m.patient_id
		ORDER BY m.id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query matches")
	}
	defer rows.Close()

	var matches []*MatchRecord
	for rows.Next() {
		var (
			m         MatchRecord
			bloodType string
			matchedAt int64
		)
		if err := rows.Scan(&m.ID, &m.DonorID, &m.PatientID, &m.DonorHospitalID, &m.PatientHospitalID,
			&m.Organ, &bloodType, &matchedAt, &m.DonorUniqueID, &m.PatientUniqueID); err != nil {
			return nil, errors.Wrap(err, "failed to scan match")
		}
		m.BloodType = BloodType(bloodType)
		m.MatchedAt = fromNanos(matchedAt)
		matches = append(matches, &m)
	}
	return matches, errors.Wrap(rows.Err(), "failed to iterate matches")
}

func (s *SQLite) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin registry transaction")
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx, now: s.settings.now}); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit registry transaction")
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHospital(row scanner) (*Hospital, error) {
	var (
		h         Hospital
		createdAt int64
	)
	if err := row.Scan(&h.ID, &h.Name, &h.Email, &h.Location, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan hospital")
	}
	h.CreatedAt = fromNanos(createdAt)
	return &h, nil
}

const partyColumns = `id, unique_id, hospital_id, name, age, gender, blood_type, organ, status, registered_at`

func queryDonors(ctx context.Context, q querier, clause string, args ...any) ([]*Donor, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+partyColumns+` FROM donor `+clause, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query donors")
	}
	defer rows.Close()

	var donors []*Donor
	for rows.Next() {
		var (
			d                 Donor
			bloodType, status string
			registeredAt      int64
		)
		if err := rows.Scan(&d.ID, &d.UniqueID, &d.HospitalID, &d.Name, &d.Age, &d.Gender,
			&bloodType, &d.Organ, &status, &registeredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan donor")
		}
		d.BloodType, d.Status, d.RegisteredAt = BloodType(bloodType), Status(status), fromNanos(registeredAt)
		donors = append(donors, &d)
	}
	return donors, errors.Wrap(rows.Err(), "failed to iterate donors")
}

func queryPatients(ctx context.Context, q querier, clause string, args ...any) ([]*Patient, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+partyColumns+` FROM patient `+clause, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query patients")
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		var (
			p                 Patient
			bloodType, status string
			registeredAt      int64
		)
		if err := rows.Scan(&p.ID, &p.UniqueID, &p.HospitalID, &p.Name, &p.Age, &p.Gender,
			&bloodType, &p.Organ, &status, &registeredAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan patient")
		}
		p.BloodType, p.Status, p.RegisteredAt = BloodType(bloodType), Status(status), fromNanos(registeredAt)
		patients = append(patients, &p)
	}
	return patients, errors.Wrap(rows.Err(), "failed to iterate patients")
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
	now func() time.Time
}

// A party is waiting only while it is Not Matched and no match row names it.
const (
	donorQueueClause = `WHERE status = 'Not Matched'
		AND NOT EXISTS (SELECT 1 FROM match_record m WHERE m.donor_id = donor.id)
		ORDER BY registered_at, id`
	patientQueueClause = `WHERE status = 'Not Matched'
		AND NOT EXISTS (SELECT 1 FROM match_record m WHERE m.patient_id = patient.id)
		ORDER BY registered_at, id`
)

func (t *sqliteTx) UnmatchedDonors() ([]*Donor, error) {
	return queryDonors(t.ctx, t.tx, donorQueueClause)
}

func (t *sqliteTx) UnmatchedPatients() ([]*Patient, error) {
	return queryPatients(t.ctx, t.tx, patientQueueClause)
}

func (t *sqliteTx) HospitalName(id int64) (string, error) {
	var name string
	err := t.tx.QueryRowContext(t.ctx, `SELECT name FROM hospital WHERE id = ?`, id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return UnknownHospital, nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve hospital %d", id)
	}
	return name, nil
}

func (t *sqliteTx) CreateMatch(match *MatchRecord) error {
	if _, err := t.tx.ExecContext(t.ctx, `SAVEPOINT create_match`); err != nil {
		return errors.Wrap(err, "failed to open savepoint")
	}
	if err := t.createMatch(match); err != nil {
		t.tx.ExecContext(t.ctx, `ROLLBACK TO create_match`)
		t.tx.ExecContext(t.ctx, `RELEASE create_match`)
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `RELEASE create_match`)
	return errors.Wrap(err, "failed to release savepoint")
}

func (t *sqliteTx) createMatch(match *MatchRecord) error {
	if match.MatchedAt.IsZero() {
		match.MatchedAt = t.now().UTC()
	}

	result, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO match_record (donor_id, patient_id, donor_hospital_id, patient_hospital_id, organ, blood_type, matched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		match.DonorID, match.PatientID, match.DonorHospitalID, match.PatientHospitalID,
		match.Organ, string(match.BloodType), toNanos(match.MatchedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(ErrAlreadyMatched, "donor %d, patient %d", match.DonorID, match.PatientID)
		}
		if isForeignKeyViolation(err) {
			return errors.Wrapf(ErrNotFound, "donor %d or patient %d", match.DonorID, match.PatientID)
		}
		return errors.Wrap(err, "failed to insert match")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read match id")
	}

	for _, party := range []struct {
		table string
		id    int64
		dest  *string
	}{
		{"donor", match.DonorID, &match.DonorUniqueID},
		{"patient", match.PatientID, &match.PatientUniqueID},
	} {
		err := t.tx.QueryRowContext(t.ctx,
			`UPDATE `+party.table+` SET status = 'Matched' WHERE id = ? AND status = 'Not Matched' RETURNING unique_id`,
			party.id).Scan(party.dest)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(ErrAlreadyMatched, "%s %d", party.table, party.id)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to mark %s %d matched", party.table, party.id)
		}
	}

	match.ID = id
	return nil
}
