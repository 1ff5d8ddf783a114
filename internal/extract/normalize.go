package extract

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/vouch-app/vouch/internal/receipt"
)

// Kind is the declared shape of an uploaded artifact. The normalizer trusts
// the declaration; content sniffing is limited to HEIC magic bytes, which
// Go's image registry cannot decode.
type Kind string

const (
	KindRaster Kind = "raster"
	KindPaged  Kind = "paged" // PDF; only the first page is rendered
)

// KindForContentType maps a declared MIME type (or file extension) onto a
// normalizer kind. Unknown declarations default to raster so decoding gets
// a chance to fail with a precise error.
func KindForContentType(contentType string) Kind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "application/pdf" || strings.HasSuffix(ct, "/pdf") || ct == "pdf" {
		return KindPaged
	}
	return KindRaster
}

// Normalize converts an uploaded artifact into a single base64-encoded PNG
// frame suitable for a vision model. No network or persistence side effects.
func Normalize(data []byte, kind Kind) (string, error) {
	var pngData []byte
	var err error

	switch kind {
	case KindPaged:
		pngData, err = pdfToPNG(data)
	case KindRaster:
		pngData, err = rasterToPNG(data)
	default:
		return "", receipt.NewError(receipt.KindUnsupportedFormat, "unknown artifact kind %q", kind)
	}
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(pngData), nil
}

// pdfToPNG renders the first page of a PDF as PNG. Most receipts are single
// page; additional pages are ignored.
func pdfToPNG(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, receipt.WrapError(receipt.KindUnsupportedFormat, err, "opening PDF")
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, receipt.WrapError(receipt.KindCorruptInput, err, "rendering PDF page")
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, receipt.WrapError(receipt.KindCorruptInput, err, "encoding PNG")
	}
	return buf.Bytes(), nil
}

// rasterToPNG decodes a raster image (JPEG, PNG, GIF, HEIC) and re-encodes
// it as PNG.
func rasterToPNG(imageData []byte) ([]byte, error) {
	var img image.Image
	var err error

	if isHEIC(imageData) {
		// HEIC/HEIF (common on iPhones) is outside Go's image registry.
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, receipt.WrapError(receipt.KindCorruptInput, err, "decoding HEIC image")
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") {
				return nil, receipt.WrapError(receipt.KindUnsupportedFormat, err, "decoding image")
			}
			return nil, receipt.WrapError(receipt.KindCorruptInput, err, "decoding image")
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, receipt.WrapError(receipt.KindCorruptInput, err, "encoding PNG")
	}
	return buf.Bytes(), nil
}

// isHEIC checks for an ftyp box with a HEIC-related brand.
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}
