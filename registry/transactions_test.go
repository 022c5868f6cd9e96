package registry

import (
	"testing"

	"github.com/ddr4869/organchain/common/types"
	. "github.com/onsi/gomega"
)

func TestLedgerEntryShapes(t *testing.T) {
	g := NewWithT(t)

	g.Expect(HospitalTransaction(&Hospital{ID: 7, Name: "General"})).To(Equal(types.Transaction{
		SubjectID: "hospital_7", Category: "hospital_registration", HospitalLabel: "General", CounterpartID: "hospital_7",
	}))

	donor := &Donor{ID: 3, UniqueID: "d-uuid", Organ: "Liver"}
	g.Expect(DonorTransaction(donor, "General")).To(Equal(types.Transaction{
		SubjectID: "d-uuid", Category: "Liver", HospitalLabel: "General", CounterpartID: "donor_3",
	}))

	patient := &Patient{ID: 4, UniqueID: "p-uuid", Organ: "Liver"}
	g.Expect(PatientTransaction(patient, "City")).To(Equal(types.Transaction{
		SubjectID: "patient_4", Category: "Liver", HospitalLabel: "City", CounterpartID: "p-uuid",
	}))

	match := &MatchRecord{Organ: "Liver", DonorUniqueID: "d-uuid", PatientUniqueID: "p-uuid"}
	g.Expect(MatchTransaction(match, "General", UnknownHospital)).To(Equal(types.Transaction{
		SubjectID: "d-uuid", Category: "Liver_match", HospitalLabel: "General_to_Unknown", CounterpartID: "p-uuid",
	}))
}
