package unheif

import (
	"encoding/binary"
	"io"

	"github.com/avpack/unheif/heif"
	"github.com/avpack/unheif/heif/bmff"
	"github.com/pkg/errors"
)

// IVF layout constants. The timebase is arbitrarily 25/1 and the frame
// count field all-ones, matching what ffmpeg writes for still AV1 images.
const (
	ivfSignature   = "DKIF"
	ivfVersion     = 0
	ivfHeaderSize  = 32
	ivfCodecFourCC = "AV01"
	ivfFrameRate   = 25
	ivfTimeScale   = 1
)

// temporalDelimiter is an OBU_TEMPORAL_DELIMITER with obu_has_size_field
// set and a zero size, prepended to the single output frame.
var temporalDelimiter = []byte{0x12, 0x00}

// ExtractAV1 writes the primary item of an avif file as a one-frame IVF
// stream. The av1C config OBUs have no IVF equivalent and are not
// emitted; only the raw extent bytes form the frame.
func ExtractAV1(w io.Writer, f *heif.File) error {
	it, err := primaryTarget(f)
	if err != nil {
		return err
	}
	if _, err := av1Config(it); err != nil {
		return err
	}
	width, height, ok := it.SpatialExtents()
	if !ok {
		return errors.Wrapf(ErrMissingSpatialExtents, "item %d", it.ID)
	}

	if err := writeIVFHeader(w, uint16(width), uint16(height)); err != nil {
		return err
	}

	frameLen := uint64(len(temporalDelimiter))
	for _, ext := range it.Location.Extents {
		frameLen += ext.Length
	}

	// Frame header: 32-bit length, 64-bit presentation timestamp.
	var fh [12]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(frameLen))
	if _, err := w.Write(fh[:]); err != nil {
		return err
	}
	if _, err := w.Write(temporalDelimiter); err != nil {
		return err
	}

	for _, ext := range it.Location.Extents {
		buf, err := f.Source().ReadAt(int64(ext.Offset), int64(ext.Length))
		if err != nil {
			return errors.Wrapf(err, "item %d extent at offset %d", it.ID, ext.Offset)
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func av1Config(it *heif.Item) (*bmff.Av1ConfigBox, error) {
	var cfg *bmff.Av1ConfigBox
	for _, p := range it.Properties {
		c, ok := p.(*bmff.Av1ConfigBox)
		if !ok {
			continue
		}
		if cfg != nil {
			return nil, errors.Wrapf(ErrAmbiguousDecoderConfig, "item %d has several av1C properties", it.ID)
		}
		cfg = c
	}
	if cfg == nil {
		return nil, errors.Wrapf(ErrMissingDecoderConfig, "item %d has no av1C property", it.ID)
	}
	return cfg, nil
}

func writeIVFHeader(w io.Writer, width, height uint16) error {
	var hdr [ivfHeaderSize]byte
	copy(hdr[0:4], ivfSignature)
	binary.LittleEndian.PutUint16(hdr[4:6], ivfVersion)
	binary.LittleEndian.PutUint16(hdr[6:8], ivfHeaderSize)
	copy(hdr[8:12], ivfCodecFourCC)
	binary.LittleEndian.PutUint16(hdr[12:14], width)
	binary.LittleEndian.PutUint16(hdr[14:16], height)
	binary.LittleEndian.PutUint32(hdr[16:20], ivfFrameRate)
	binary.LittleEndian.PutUint32(hdr[20:24], ivfTimeScale)
	// Frame count in some IVF specs, duration in others; all-ones either
	// way, like ffmpeg. The last 4 bytes are reserved.
	for i := 24; i < 32; i++ {
		hdr[i] = 0xFF
	}
	_, err := w.Write(hdr[:])
	return err
}
