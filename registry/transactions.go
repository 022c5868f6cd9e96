package registry

import (
	"fmt"

	"github.com/ddr4869/organchain/common/types"
)

// Ledger entries written for registry events.

func HospitalTransaction(h *Hospital) types.Transaction {
	id := fmt.Sprintf("hospital_%d", h.ID)
	return types.Transaction{
		SubjectID:     id,
		Category:      types.CategoryHospitalRegistration,
		HospitalLabel: h.Name,
		CounterpartID: id,
	}
}

func DonorTransaction(d *Donor, hospitalName string) types.Transaction {
	return types.Transaction{
		SubjectID:     d.UniqueID,
		Category:      d.Organ,
		HospitalLabel: hospitalName,
		CounterpartID: fmt.Sprintf("donor_%d", d.ID),
	}
}

func PatientTransaction(p *Patient, hospitalName string) types.Transaction {
	return types.Transaction{
		SubjectID:     fmt.Sprintf("patient_%d", p.ID),
		Category:      p.Organ,
		HospitalLabel: hospitalName,
		CounterpartID: p.UniqueID,
	}
}

// MatchTransaction records donor to patient; m must carry both unique ids.
func MatchTransaction(m *MatchRecord, donorHospital, patientHospital string) types.Transaction {
	return types.Transaction{
		SubjectID:     m.DonorUniqueID,
		Category:      types.MatchCategory(m.Organ),
		HospitalLabel: donorHospital + "_to_" + patientHospital,
		CounterpartID: m.PatientUniqueID,
	}
}
