package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ddr4869/organchain/common/cert"
	"github.com/ddr4869/organchain/common/crypto"
	"github.com/ddr4869/organchain/common/types"
	"github.com/ddr4869/organchain/core"
	"github.com/ddr4869/organchain/registry"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
)

// Handlers runs the command line operations against one service and renders
// their results on the terminal.
type Handlers struct {
	service *core.Service
}

func NewHandlers(service *core.Service) *Handlers {
	return &Handlers{service: service}
}

// HandleKeygen writes a new ledger key. It refuses to replace an existing one.
func HandleKeygen(path string) error {
	if _, err := crypto.GenerateKey(path); err != nil {
		return err
	}
	pterm.Success.Printfln("Ledger key written to %s", path)
	pterm.Warning.Println("Back this file up: entries encrypted with it cannot be read without it")
	return nil
}

// HandleCertgen writes a CA and a server certificate for hosts into dir.
func HandleCertgen(dir, orgName string, hosts []string) error {
	if err := cert.GenerateBundle(dir, orgName, hosts); err != nil {
		return err
	}
	pterm.Success.Printfln("TLS bundle written to %s", dir)
	pterm.Info.Printfln("Server: tls_cert %s, tls_key %s", filepath.Join(dir, cert.ServerCertFile), filepath.Join(dir, cert.ServerKeyFile))
	pterm.Info.Printfln("Clients: remote_ca %s", filepath.Join(dir, cert.CAFile))
	return nil
}

func (h *Handlers) HandleHospitalAdd(ctx context.Context, hospital *registry.Hospital) error {
	if err := h.service.RegisterHospital(ctx, hospital); err != nil {
		return errors.Wrap(err, "failed to register hospital")
	}
	pterm.Success.Printfln("Hospital %q registered with id %d", hospital.Name, hospital.ID)
	return nil
}

// PartyInput is the command line form of a donor or patient.
type PartyInput struct {
	HospitalID int64
	Name       string
	Age        int
	Gender     string
	BloodType  string
	Organ      string
}

func (in *PartyInput) bloodType() (registry.BloodType, error) {
	return registry.ParseBloodType(in.BloodType)
}

func (h *Handlers) HandleDonorAdd(ctx context.Context, in *PartyInput) error {
	bloodType, err := in.bloodType()
	if err != nil {
		return err
	}
	donor := &registry.Donor{
		HospitalID: in.HospitalID,
		Name:       in.Name,
		Age:        in.Age,
		Gender:     in.Gender,
		BloodType:  bloodType,
		Organ:      in.Organ,
	}
	if err := h.service.RegisterDonor(ctx, donor); err != nil {
		return errors.Wrap(err, "failed to register donor")
	}
	pterm.Success.Printfln("Donor %s registered (%s, %s)", donor.UniqueID, donor.BloodType, donor.Organ)
	return nil
}

func (h *Handlers) HandlePatientAdd(ctx context.Context, in *PartyInput) error {
	bloodType, err := in.bloodType()
	if err != nil {
		return err
	}
	patient := &registry.Patient{
		HospitalID: in.HospitalID,
		Name:       in.Name,
		Age:        in.Age,
		Gender:     in.Gender,
		BloodType:  bloodType,
		Organ:      in.Organ,
	}
	if err := h.service.RegisterPatient(ctx, patient); err != nil {
		return errors.Wrap(err, "failed to register patient")
	}
	pterm.Success.Printfln("Patient %s registered (%s, %s)", patient.UniqueID, patient.BloodType, patient.Organ)
	return nil
}

// HandleMatch runs one matching pass and lists the new matches.
func (h *Handlers) HandleMatch(ctx context.Context) error {
	result, err := h.service.RunMatching(ctx)
	if err != nil {
		return errors.Wrap(err, "matching failed")
	}
	if len(result.Matches) == 0 {
		pterm.Info.Println("No compatible donor and patient pairs are waiting")
		return nil
	}

	data := pterm.TableData{{"Match", "Organ", "Blood Type", "Donor", "Patient"}}
	for _, m := range result.Matches {
		data = append(data, []string{
			strconv.FormatInt(m.ID, 10), m.Organ, m.BloodType.String(), m.DonorUniqueID, m.PatientUniqueID,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Success.Printfln("%d matches created", len(result.Matches))
	if result.Conflicts > 0 {
		pterm.Warning.Printfln("%d pairs skipped because one side was matched concurrently", result.Conflicts)
	}
	if result.LedgerFailures > 0 {
		pterm.Warning.Printfln("%d matches could not be recorded on the ledger, run sync", result.LedgerFailures)
	}
	return nil
}

// HandleSync records the whole registry on the ledger.
func (h *Handlers) HandleSync(ctx context.Context) error {
	result, err := h.service.Backfill(ctx)
	if err != nil {
		return errors.Wrap(err, "sync failed")
	}
	pterm.Success.Printfln("%d entries recorded", result.Recorded)
	if result.Failed > 0 {
		return errors.Errorf("%d entries could not be recorded", result.Failed)
	}
	return nil
}

// HandleChainShow prints every block. Entries that cannot be decrypted keep
// their ciphertext.
func (h *Handlers) HandleChainShow(ctx context.Context, decrypt bool) error {
	blocks, err := h.service.Chain(ctx, decrypt)
	if err != nil {
		return errors.Wrap(err, "failed to read chain")
	}

	data := pterm.TableData{{"Index", "Timestamp", "Previous Hash", "Entry"}}
	for _, block := range blocks {
		data = append(data, []string{
			strconv.Itoa(block.Index), formatTimestamp(block.Timestamp), shorten(block.PreviousHash), describeEntries(block.Data),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// HandleChainVerify reports the chain state and fails when it is corrupt.
func (h *Handlers) HandleChainVerify(ctx context.Context) error {
	report, err := h.service.Verify(ctx)
	if err != nil {
		return errors.Wrap(err, "verification failed")
	}
	if report.OK() {
		pterm.Success.Printfln("Chain verified: %d blocks, linkage intact", report.Checked)
		return nil
	}

	data := pterm.TableData{{"Block", "Expected", "Recorded"}}
	for _, v := range report.Violations {
		data = append(data, []string{strconv.Itoa(v.Index), shorten(v.Expected), shorten(v.Recorded)})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	return report.Err()
}

func (h *Handlers) HandleChainRepair(ctx context.Context) error {
	result, err := h.service.Repair(ctx)
	if err != nil {
		return errors.Wrap(err, "repair failed")
	}
	if result.Rewritten == 0 {
		pterm.Info.Println("Chain already verifies, nothing to repair")
		return nil
	}
	pterm.Success.Printfln("Rewrote %d links, blocks %v were flagged", result.Rewritten, result.Before.CorruptIndices())
	return nil
}

func formatTimestamp(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}

func shorten(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16] + "..."
}

func describeEntries(entries []types.Entry) string {
	if len(entries) == 0 {
		return "-"
	}
	entry := entries[0]
	if tx := entry.DataDecrypted; tx != nil {
		return fmt.Sprintf("%s %s %s %s", tx.Category, tx.SubjectID, tx.HospitalLabel, tx.CounterpartID)
	}
	return shorten(entry.DataEncrypted)
}
