package core

import (
	"context"
	"io"
	"time"

	"github.com/ddr4869/organchain/common/logger"
	"github.com/ddr4869/organchain/common/types"
	"github.com/ddr4869/organchain/ledger"
	"github.com/ddr4869/organchain/matcher"
	"github.com/ddr4869/organchain/registry"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrRepairUnsupported is returned when the configured backend cannot repair
// the chain it serves.
var ErrRepairUnsupported = errors.New("ledger backend does not support repair")

// chainVerifier and chainRepairer are implemented by backends that check the
// chain on their own side, such as the remote audit client.
type chainVerifier interface {
	VerifyChain(ctx context.Context) (*ledger.Report, error)
}

type chainRepairer interface {
	RepairChain(ctx context.Context) (*ledger.RepairResult, error)
}

// Service ties the registry to the audit ledger. Registry writes are the
// source of truth; ledger appends are best effort and only logged on failure.
type Service struct {
	store   registry.Store
	backend ledger.Backend
	local   *ledger.Ledger
	matcher *matcher.Matcher
	log     *zap.SugaredLogger
}

// NewService wires store to backend. When backend is a local *ledger.Ledger
// the snapshot is saved after every append.
func NewService(store registry.Store, backend ledger.Backend) *Service {
	s := &Service{
		store:   store,
		backend: backend,
		matcher: matcher.New(store, backend),
		log:     logger.Named("service"),
	}
	if local, ok := backend.(*ledger.Ledger); ok {
		s.local = local
	}
	return s
}

// BackfillResult counts the entries written by Backfill.
type BackfillResult struct {
	Recorded int `json:"recorded"`
	Failed   int `json:"failed"`
}

// record appends tx and persists, logging instead of failing.
func (s *Service) record(ctx context.Context, event string, tx types.Transaction) bool {
	block, err := s.backend.Append(ctx, tx)
	if err != nil {
		s.log.Warnw("Failed to record event on ledger", "event", event, "subject", tx.SubjectID, "error", err)
		return false
	}
	s.log.Debugf("Recorded %s as block %d", event, block.Index)
	s.persist()
	return true
}

func (s *Service) persist() {
	if s.local == nil {
		return
	}
	logger.LogIfError(s.local.Persist(), "failed to save ledger snapshot")
}

func (s *Service) hospitalName(ctx context.Context, id int64) string {
	hospital, err := s.store.GetHospital(ctx, id)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.log.Warnw("Failed to resolve hospital name", "hospital_id", id, "error", err)
		}
		return registry.UnknownHospital
	}
	return hospital.Name
}

func (s *Service) RegisterHospital(ctx context.Context, hospital *registry.Hospital) error {
	if err := s.store.AddHospital(ctx, hospital); err != nil {
		return errors.Wrap(err, "failed to register hospital")
	}
	s.log.Infof("Registered hospital %d (%s)", hospital.ID, hospital.Name)
	s.record(ctx, "hospital_registration", registry.HospitalTransaction(hospital))
	return nil
}

func (s *Service) RegisterDonor(ctx context.Context, donor *registry.Donor) error {
	if err := s.store.AddDonor(ctx, donor); err != nil {
		return errors.Wrap(err, "failed to register donor")
	}
	s.log.Infof("Registered donor %d (%s, %s)", donor.ID, donor.BloodType, donor.Organ)
	s.record(ctx, "donor_registration", registry.DonorTransaction(donor, s.hospitalName(ctx, donor.HospitalID)))
	return nil
}

func (s *Service) RegisterPatient(ctx context.Context, patient *registry.Patient) error {
	if err := s.store.AddPatient(ctx, patient); err != nil {
		return errors.Wrap(err, "failed to register patient")
	}
	s.log.Infof("Registered patient %d (%s, %s)", patient.ID, patient.BloodType, patient.Organ)
	s.record(ctx, "patient_registration", registry.PatientTransaction(patient, s.hospitalName(ctx, patient.HospitalID)))
	return nil
}

// RunMatching runs one matcher pass and saves the snapshot once afterwards.
func (s *Service) RunMatching(ctx context.Context) (*matcher.Result, error) {
	result, err := s.matcher.Run(ctx)
	if err != nil {
		return nil, err
	}
	if len(result.Matches) > 0 {
		s.persist()
	}
	return result, nil
}

// Backfill writes an entry for every hospital, donor, patient and match in
// the registry. Entries already on the chain are written again.
func (s *Service) Backfill(ctx context.Context) (*BackfillResult, error) {
	hospitals, err := s.store.ListHospitals(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list hospitals")
	}
	donors, err := s.store.ListDonors(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list donors")
	}
	patients, err := s.store.ListPatients(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list patients")
	}
	matches, err := s.store.ListMatches(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list matches")
	}

	names := make(map[int64]string, len(hospitals))
	for _, h := range hospitals {
		names[h.ID] = h.Name
	}
	name := func(id int64) string {
		if n, ok := names[id]; ok {
			return n
		}
		return registry.UnknownHospital
	}

	var txs []types.Transaction
	for _, h := range hospitals {
		txs = append(txs, registry.HospitalTransaction(h))
	}
	for _, d := range donors {
		txs = append(txs, registry.DonorTransaction(d, name(d.HospitalID)))
	}
	for _, p := range patients {
		txs = append(txs, registry.PatientTransaction(p, name(p.HospitalID)))
	}
	for _, m := range matches {
		txs = append(txs, registry.MatchTransaction(m, name(m.DonorHospitalID), name(m.PatientHospitalID)))
	}

	result := &BackfillResult{}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.backend.Append(ctx, tx); err != nil {
			result.Failed++
			s.log.Warnw("Failed to backfill entry", "category", tx.Category, "subject", tx.SubjectID, "error", err)
			continue
		}
		result.Recorded++
	}
	s.persist()

	s.log.Infof("Backfill finished: %d recorded, %d failed", result.Recorded, result.Failed)
	return result, nil
}

// Chain returns the chain, with decrypted views when decrypt is set.
func (s *Service) Chain(ctx context.Context, decrypt bool) ([]*types.Block, error) {
	return s.backend.Read(ctx, decrypt)
}

// Verify checks the chain's hash linkage.
func (s *Service) Verify(ctx context.Context) (*ledger.Report, error) {
	if s.local != nil {
		return s.local.Verify(), nil
	}
	if verifier, ok := s.backend.(chainVerifier); ok {
		return verifier.VerifyChain(ctx)
	}
	blocks, err := s.backend.Read(ctx, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read chain")
	}
	return ledger.Verify(blocks), nil
}

// Repair rewrites broken linkage. It is only ever run on operator request.
func (s *Service) Repair(ctx context.Context) (*ledger.RepairResult, error) {
	if s.local != nil {
		return s.local.Repair()
	}
	if repairer, ok := s.backend.(chainRepairer); ok {
		return repairer.RepairChain(ctx)
	}
	return nil, ErrRepairUnsupported
}

// StartPersister saves the local snapshot every interval until ctx is done.
// The returned channel is closed when it has stopped.
func (s *Service) StartPersister(ctx context.Context, interval time.Duration) <-chan struct{} {
	if s.local == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.local.StartPersister(ctx, interval)
}

// Close saves a final snapshot and releases the registry and backend.
func (s *Service) Close() error {
	var err error
	if s.local != nil {
		err = multierr.Append(err, s.local.Persist())
	}
	err = multierr.Append(err, s.store.Close())
	if closer, ok := s.backend.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	return err
}
