package unheif

import (
	"encoding/binary"
	"io"

	"github.com/avpack/unheif/heif"
	"github.com/avpack/unheif/heif/bmff"
	"github.com/pkg/errors"
)

// Annex-B framing: every NAL unit, parameter set or sample, is prefixed
// with the 4-byte start code.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// nalUnitSource is the translated view of a decoder-configuration record:
// the standalone header units and the byte width of the length prefixes
// used by the item's samples.
type nalUnitSource interface {
	NALUSizeLength() int
	ParameterSets() [][]byte
}

// ExtractHEVC writes the primary item of a heic file as an Annex-B HEVC
// elementary stream: parameter sets first, then every sample unit of
// every extent, in table order.
func ExtractHEVC(w io.Writer, f *heif.File) error {
	it, err := primaryTarget(f)
	if err != nil {
		return err
	}
	cfg, err := hevcConfig(it)
	if err != nil {
		return err
	}
	return writeAnnexB(w, f, it, cfg)
}

// ExtractAVC writes the primary item of an avic file as an Annex-B AVC
// elementary stream.
func ExtractAVC(w io.Writer, f *heif.File) error {
	it, err := primaryTarget(f)
	if err != nil {
		return err
	}
	cfg, err := avcConfig(it)
	if err != nil {
		return err
	}
	return writeAnnexB(w, f, it, cfg)
}

func hevcConfig(it *heif.Item) (*bmff.HevcConfigBox, error) {
	var cfg *bmff.HevcConfigBox
	for _, p := range it.Properties {
		c, ok := p.(*bmff.HevcConfigBox)
		if !ok {
			continue
		}
		if cfg != nil {
			return nil, errors.Wrapf(ErrAmbiguousDecoderConfig, "item %d has several hvcC properties", it.ID)
		}
		cfg = c
	}
	if cfg == nil {
		return nil, errors.Wrapf(ErrMissingDecoderConfig, "item %d has no hvcC property", it.ID)
	}
	return cfg, nil
}

func avcConfig(it *heif.Item) (*bmff.AvcConfigBox, error) {
	var cfg *bmff.AvcConfigBox
	for _, p := range it.Properties {
		c, ok := p.(*bmff.AvcConfigBox)
		if !ok {
			continue
		}
		if cfg != nil {
			return nil, errors.Wrapf(ErrAmbiguousDecoderConfig, "item %d has several avcC properties", it.ID)
		}
		cfg = c
	}
	if cfg == nil {
		return nil, errors.Wrapf(ErrMissingDecoderConfig, "item %d has no avcC property", it.ID)
	}
	return cfg, nil
}

func writeAnnexB(w io.Writer, f *heif.File, it *heif.Item, cfg nalUnitSource) error {
	for _, unit := range cfg.ParameterSets() {
		if err := writeUnit(w, unit); err != nil {
			return err
		}
	}
	sizeLen := cfg.NALUSizeLength()
	for _, ext := range it.Location.Extents {
		if err := copyExtentAnnexB(w, f.Source(), ext, sizeLen); err != nil {
			return errors.Wrapf(err, "item %d extent at offset %d", it.ID, ext.Offset)
		}
	}
	return nil
}

func writeUnit(w io.Writer, unit []byte) error {
	if _, err := w.Write(startCode); err != nil {
		return err
	}
	_, err := w.Write(unit)
	return err
}

// copyExtentAnnexB re-frames one extent's length-prefixed sample units
// with start codes. The units must tile the extent exactly.
func copyExtentAnnexB(w io.Writer, src *bmff.Source, ext bmff.Extent, sizeLen int) error {
	var consumed uint64
	for consumed < ext.Length {
		if consumed+uint64(sizeLen) > ext.Length {
			return errors.Wrapf(ErrExtentLengthMismatch,
				"%d trailing bytes, need %d for a length prefix", ext.Length-consumed, sizeLen)
		}
		prefix, err := src.ReadAt(int64(ext.Offset+consumed), int64(sizeLen))
		if err != nil {
			return err
		}
		n := readBE(prefix)
		consumed += uint64(sizeLen)
		if consumed+n > ext.Length {
			return errors.Wrapf(ErrExtentLengthMismatch,
				"unit of %d bytes overruns extent by %d", n, consumed+n-ext.Length)
		}
		unit, err := src.ReadAt(int64(ext.Offset+consumed), int64(n))
		if err != nil {
			return err
		}
		consumed += n
		if err := writeUnit(w, unit); err != nil {
			return err
		}
	}
	return nil
}

// readBE reads a 1..4 byte big-endian length prefix.
func readBE(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(buf))
	case 4:
		return uint64(binary.BigEndian.Uint32(buf))
	}
	var v uint64
	for _, c := range buf {
		v = v<<8 | uint64(c)
	}
	return v
}
