package store

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalFileStore", func() {
	var files *LocalFileStore

	BeforeEach(func() {
		var err error
		files, err = NewLocalFileStore(filepath.Join(GinkgoT().TempDir(), "uploads"))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		It("should sanitize hostile filenames", func() {
			name, err := files.Save("../..//IMG (1) #receipt!.png", []byte("data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(HaveSuffix("IMG 1 receipt.png"))
			Expect(name).NotTo(ContainSubstring("/"))
			Expect(name).NotTo(ContainSubstring(".."))
		})

		It("should fall back to a default base name", func() {
			name, err := files.Save("###.png", []byte("data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(HaveSuffix("receipt.png"))
		})

		It("should give repeated uploads of the same filename distinct names", func() {
			first, err := files.Save("receipt.png", []byte("one"))
			Expect(err).NotTo(HaveOccurred())
			second, err := files.Save("receipt.png", []byte("two"))
			Expect(err).NotTo(HaveOccurred())
			Expect(first).NotTo(Equal(second))

			data, err := files.Get(first)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("one")))
			data, err = files.Get(second)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("two")))
		})
	})

	Describe("Get and Delete", func() {
		It("should round-trip and remove a stored file", func() {
			name, err := files.Save("receipt.png", []byte("payload"))
			Expect(err).NotTo(HaveOccurred())

			data, err := files.Get(name)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("payload")))

			Expect(files.Delete(name)).To(Succeed())
			_, err = files.Get(name)
			Expect(err).To(HaveOccurred())
		})
	})
})
