// Package unheif extracts the compressed video bitstream backing the
// primary image item of a HEIC/AVIF/AVIC file and rewrites it into a
// standard elementary-stream container: Annex-B for HEVC/AVC, IVF for
// AV1. It never touches the pixel codec itself.
package unheif

import (
	"io"

	"github.com/avpack/unheif/heif"
	"github.com/avpack/unheif/heif/bmff"
	"github.com/pkg/errors"
)

// Codec identifies the compressed bitstream family of an image item.
type Codec int

const (
	CodecHEVC Codec = iota // brand "heic", Annex-B output
	CodecAVC               // brand "avic", Annex-B output
	CodecAV1               // brand "avif", IVF output
)

func (c Codec) String() string {
	switch c {
	case CodecHEVC:
		return "hevc"
	case CodecAVC:
		return "avc"
	case CodecAV1:
		return "av1"
	}
	return "unknown"
}

// OutputExt returns the conventional file extension for the codec's
// elementary-stream output.
func (c Codec) OutputExt() string {
	switch c {
	case CodecHEVC:
		return ".hevc"
	case CodecAVC:
		return ".264"
	case CodecAV1:
		return ".ivf"
	}
	return ".bin"
}

var (
	// ErrUnsupportedBrand is returned when the ftyp box declares none of
	// the brands this package handles.
	ErrUnsupportedBrand = errors.New("unheif: unsupported brand")

	// ErrMissingDecoderConfig is returned when the target item has no
	// decoder-configuration property of the expected codec.
	ErrMissingDecoderConfig = errors.New("unheif: no decoder configuration property")

	// ErrAmbiguousDecoderConfig is returned when the target item has more
	// than one decoder-configuration property of the expected codec.
	ErrAmbiguousDecoderConfig = errors.New("unheif: multiple decoder configuration properties")

	// ErrMissingSpatialExtents is returned for AV1 items without an ispe
	// property; the IVF header needs the image dimensions.
	ErrMissingSpatialExtents = errors.New("unheif: no spatial extents property")

	// ErrExtentLengthMismatch is returned when the length-prefixed units
	// of an extent do not add up to the extent's declared length.
	ErrExtentLengthMismatch = errors.New("unheif: extent length mismatch")
)

// DetectCodec inspects the file's brands and picks the codec variant.
// The heic brand implies an HEVC bitstream, avic an AVC one and avif AV1.
func DetectCodec(f *heif.File) (Codec, error) {
	ftyp, err := f.FileType()
	if err != nil {
		return 0, err
	}
	switch {
	case ftyp.HasBrand("heic"):
		return CodecHEVC, nil
	case ftyp.HasBrand("avif"):
		return CodecAV1, nil
	case ftyp.HasBrand("avic"):
		return CodecAVC, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedBrand, "brands %v", brandList(ftyp))
}

func brandList(ftyp *bmff.FileTypeBox) []string {
	brands := make([]string, 0, len(ftyp.Compatible)+1)
	for b := range ftyp.Brands() {
		brands = append(brands, b)
	}
	return brands
}

// Extract rewrites the primary item's bitstream into w, dispatching on the
// file's brand. Either the whole extraction succeeds or w must be
// considered invalid; nothing is recovered internally.
func Extract(w io.Writer, f *heif.File) (Codec, error) {
	codec, err := DetectCodec(f)
	if err != nil {
		return 0, err
	}
	switch codec {
	case CodecHEVC:
		err = ExtractHEVC(w, f)
	case CodecAVC:
		err = ExtractAVC(w, f)
	case CodecAV1:
		err = ExtractAV1(w, f)
	}
	return codec, err
}

// primaryTarget resolves the primary item and verifies it is stored the
// one way this pipeline supports. The mdat lookup doubles as the media
// data presence check.
func primaryTarget(f *heif.File) (*heif.Item, error) {
	it, err := f.PrimaryItem()
	if err != nil {
		return nil, err
	}
	if it.Location == nil {
		return nil, errors.Wrapf(heif.ErrMissingItemLocation, "primary item %d", it.ID)
	}
	if err := heif.CheckConstruction(it.Location); err != nil {
		return nil, err
	}
	if _, err := f.MediaData(); err != nil {
		return nil, err
	}
	return it, nil
}

// ExtractExif is a convenience wrapper returning the raw TIFF EXIF block
// of a HEIF file.
func ExtractExif(ra io.ReaderAt, size int64) ([]byte, error) {
	return heif.Open(ra, size).EXIF()
}
