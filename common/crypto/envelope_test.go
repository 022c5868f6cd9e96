package crypto_test

import (
	"os"
	"path/filepath"

	"github.com/ddr4869/organchain/common/types"
	"github.com/pkg/errors"

	. "github.com/ddr4869/organchain/common/crypto"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func mustEnvelope(key []byte) *Envelope {
	env, err := NewEnvelope(key)
	Expect(err).ToNot(HaveOccurred())
	return env
}

func keyOf(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

var _ = Describe("Envelope", func() {
	tx := types.Transaction{
		SubjectID:     "3f6c1a0e-donor",
		Category:      "Kidney",
		HospitalLabel: "St. Mary",
		CounterpartID: "donor_7",
	}

	It("round trips a transaction", func() {
		env := mustEnvelope(keyOf(1))

		encoded, err := env.Encrypt(tx)
		Expect(err).ToNot(HaveOccurred())
		Expect(encoded).ToNot(ContainSubstring("St. Mary"))

		decoded, err := env.Decrypt(encoded)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded).To(Equal(tx))
	})

	It("produces different ciphertexts for the same payload", func() {
		env := mustEnvelope(keyOf(1))

		first, err := env.Encrypt(tx)
		Expect(err).ToNot(HaveOccurred())
		second, err := env.Encrypt(tx)
		Expect(err).ToNot(HaveOccurred())
		Expect(second).ToNot(Equal(first))

		decoded, err := env.Decrypt(second)
		Expect(err).ToNot(HaveOccurred())
		Expect(decoded).To(Equal(tx))
	})

	It("rejects a ciphertext sealed with another key", func() {
		encoded, err := mustEnvelope(keyOf(1)).Encrypt(tx)
		Expect(err).ToNot(HaveOccurred())

		_, err = mustEnvelope(keyOf(2)).Decrypt(encoded)
		Expect(errors.Is(err, ErrDecryption)).To(BeTrue())
	})

	It("rejects malformed ciphertexts", func() {
		env := mustEnvelope(keyOf(1))
		for _, bad := range []string{"", "not base64 !!", "AAAA"} {
			_, err := env.Decrypt(bad)
			Expect(errors.Is(err, ErrDecryption)).To(BeTrue(), bad)
		}
	})

	It("rejects keys of the wrong size", func() {
		_, err := NewEnvelope([]byte("short"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Key file", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("generates once and loads the same key afterwards", func() {
		path := filepath.Join(dir, "keys", "secret.key")

		generated, err := LoadOrGenerateKey(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(generated).To(HaveLen(KeySize))

		info, err := os.Stat(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))

		loaded, err := LoadOrGenerateKey(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(loaded).To(Equal(generated))
	})

	It("refuses to overwrite an existing key", func() {
		path := filepath.Join(dir, "secret.key")
		_, err := GenerateKey(path)
		Expect(err).ToNot(HaveOccurred())

		_, err = GenerateKey(path)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a truncated key file", func() {
		path := filepath.Join(dir, "secret.key")
		Expect(os.WriteFile(path, []byte("AAAA"), 0600)).To(Succeed())

		_, err := LoadKey(path)
		Expect(err).To(HaveOccurred())
	})
})
