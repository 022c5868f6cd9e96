package matcher

import (
	"testing"

	"github.com/ddr4869/organchain/registry"
	. "github.com/onsi/gomega"
)

func TestUniversalDonorAndRecipient(t *testing.T) {
	g := NewWithT(t)

	g.Expect(Recipients(registry.OMinus)).To(ConsistOf(registry.BloodTypes))
	g.Expect(Donors(registry.ABPlus)).To(ConsistOf(registry.BloodTypes))

	g.Expect(Recipients(registry.ABPlus)).To(Equal([]registry.BloodType{registry.ABPlus}))
	g.Expect(Donors(registry.OMinus)).To(Equal([]registry.BloodType{registry.OMinus}))
}

func TestCompatibilityBoundaries(t *testing.T) {
	g := NewWithT(t)

	g.Expect(CanDonate(registry.ABMinus, registry.OPlus)).To(BeFalse())
	g.Expect(CanDonate(registry.ABMinus, registry.ABPlus)).To(BeTrue())
	g.Expect(CanDonate(registry.APlus, registry.AMinus)).To(BeFalse())
	g.Expect(CanDonate(registry.OPlus, registry.OMinus)).To(BeFalse())
	for _, recipient := range registry.BloodTypes {
		g.Expect(CanDonate(registry.OMinus, recipient)).To(BeTrue(), string(recipient))
		g.Expect(CanDonate(registry.ABPlus, recipient)).To(Equal(recipient == registry.ABPlus), string(recipient))
	}
}

func TestTransposeIsConsistent(t *testing.T) {
	g := NewWithT(t)

	for _, donor := range registry.BloodTypes {
		for _, recipient := range registry.BloodTypes {
			g.Expect(Donors(recipient)).To(
				WithTransform(func(d []registry.BloodType) bool {
					for _, x := range d {
						if x == donor {
							return true
						}
					}
					return false
				}, Equal(CanDonate(donor, recipient))),
				"%s -> %s", donor, recipient)
		}
	}
}

func TestReturnedSlicesAreCopies(t *testing.T) {
	g := NewWithT(t)

	recipients := Recipients(registry.APlus)
	recipients[0] = registry.OMinus
	g.Expect(CanDonate(registry.APlus, registry.OMinus)).To(BeFalse())
	g.Expect(Recipients(registry.APlus)[0]).To(Equal(registry.APlus))
}
