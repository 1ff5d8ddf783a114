package extract

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/vouch-app/vouch/internal/receipt"
)

func testPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	Expect(png.Encode(&buf, img)).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Normalize", func() {
	When("normalizing a valid PNG", func() {
		var result string
		var err error

		BeforeEach(func() {
			result, err = Normalize(testPNG(), KindRaster)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return base64-encoded PNG bytes", func() {
			data, decErr := base64.StdEncoding.DecodeString(result)
			Expect(decErr).NotTo(HaveOccurred())
			_, fmtErr := png.Decode(bytes.NewReader(data))
			Expect(fmtErr).NotTo(HaveOccurred())
		})
	})

	When("normalizing bytes that are not an image", func() {
		It("should return an unsupported_format error", func() {
			_, err := Normalize([]byte("this is a text file"), KindRaster)
			Expect(err).To(HaveOccurred())
			Expect(receipt.KindOf(err)).To(Equal(receipt.KindUnsupportedFormat))
		})
	})

	When("normalizing a truncated PNG", func() {
		It("should return a corrupt_input error", func() {
			data := testPNG()
			_, err := Normalize(data[:20], KindRaster)
			Expect(err).To(HaveOccurred())
			Expect(receipt.KindOf(err)).To(Equal(receipt.KindCorruptInput))
		})
	})

	When("normalizing garbage declared as PDF", func() {
		It("should return an error", func() {
			_, err := Normalize([]byte("not a pdf"), KindPaged)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("KindForContentType", func() {
	It("should map PDF declarations to the paged kind", func() {
		Expect(KindForContentType("application/pdf")).To(Equal(KindPaged))
		Expect(KindForContentType("pdf")).To(Equal(KindPaged))
	})

	It("should map image declarations to the raster kind", func() {
		Expect(KindForContentType("image/jpeg")).To(Equal(KindRaster))
		Expect(KindForContentType("image/heic")).To(Equal(KindRaster))
	})

	It("should default unknown declarations to raster", func() {
		Expect(KindForContentType("application/octet-stream")).To(Equal(KindRaster))
	})
})
