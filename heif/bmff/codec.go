/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bmff

import (
	"github.com/pkg/errors"
)

// Codec decoder-configuration boxes. Each bundles the parameter-set units
// a decoder needs before the first coded sample, plus the byte width of
// the length prefixes used by that item's samples.

// hevcConfig is the fixed-layout prefix of an
// HEVCDecoderConfigurationRecord.
type hevcConfig struct {
	version                          uint8
	generalProfileSpace              uint8
	generalTierFlag                  uint8
	generalProfileIdc                uint8
	generalProfileCompatibilityFlags uint32

	generalLevelIdc uint8

	minSpatialSegmentationIdc uint16
	parallelismType           uint8
	chromaFormat              uint8
	bitDepthLuma              uint8
	bitDepthChroma            uint8
	avgFrameRate              uint16

	constantFrameRate  uint8
	numTemporalLayers  uint8
	temporalIdNested   uint8
	lengthSizeMinusOne uint8 // 2 bits
}

type hevcNalArray struct {
	completeness uint8
	unitType     uint8
	units        [][]byte
}

// HevcConfigBox is the "hvcC" property.
type HevcConfigBox struct {
	*Box
	config    hevcConfig
	nalArrays []*hevcNalArray
}

// NALUSizeLength returns the byte width (1..4) of the length prefix used
// by this item's samples.
func (b *HevcConfigBox) NALUSizeLength() int {
	return int(b.config.lengthSizeMinusOne) + 1
}

// ParameterSets returns the embedded parameter-set units in array order
// then within-array order, both file order.
func (b *HevcConfigBox) ParameterSets() [][]byte {
	var out [][]byte
	for _, na := range b.nalArrays {
		out = append(out, na.units...)
	}
	return out
}

func parseHevcConfigBox(outer *Box, r *reader) (TypedBox, error) {
	ib := &HevcConfigBox{Box: outer}

	c := &ib.config
	c.version, _ = r.readUint8()

	ch, _ := r.readUint8()
	c.generalProfileSpace = (ch >> 6) & 3
	c.generalTierFlag = (ch >> 5) & 1
	c.generalProfileIdc = ch & 0x1F

	c.generalProfileCompatibilityFlags, _ = r.readUint32()

	r.discard(6) // general_constraint_indicator_flags

	c.generalLevelIdc, _ = r.readUint8()
	c.minSpatialSegmentationIdc, _ = r.readUint16()
	c.parallelismType, _ = r.readUint8()
	c.chromaFormat, _ = r.readUint8()
	c.bitDepthLuma, _ = r.readUint8()
	c.bitDepthChroma, _ = r.readUint8()
	c.avgFrameRate, _ = r.readUint16()

	// 22nd byte: the 2-bit length-size field shares it with the frame
	// rate and temporal layering fields.
	ch, _ = r.readUint8()
	c.constantFrameRate = (ch >> 6) & 0x03
	c.numTemporalLayers = (ch >> 3) & 0x07
	c.temporalIdNested = (ch >> 2) & 1
	c.lengthSizeMinusOne = ch & 0x03

	numArrays, err := r.readUint8()
	if err != nil {
		return nil, err
	}

	for i := 0; i < int(numArrays); i++ {
		ch, _ := r.readUint8()

		na := &hevcNalArray{}
		na.completeness = (ch >> 7) & 1
		na.unitType = ch & 0x3F

		numUnits, _ := r.readUint16()
		for j := 0; r.ok() && j < int(numUnits); j++ {
			size, _ := r.readUint16()
			if size == 0 { // ignore empty NAL units
				continue
			}
			unit, err := r.readBytes(int(size))
			if err != nil {
				return nil, err
			}
			na.units = append(na.units, unit)
		}
		ib.nalArrays = append(ib.nalArrays, na)
	}

	if !r.ok() {
		return nil, r.err
	}
	return ib, nil
}

// AvcConfigBox is the "avcC" property, an AVCDecoderConfigurationRecord.
type AvcConfigBox struct {
	*Box

	configurationVersion uint8
	profileIndication    uint8
	profileCompat        uint8
	levelIndication      uint8
	lengthSizeMinusOne   uint8 // 2 bits

	sps    [][]byte
	pps    [][]byte
	spsExt [][]byte
}

// NALUSizeLength returns the byte width (1..4) of the length prefix used
// by this item's samples.
func (b *AvcConfigBox) NALUSizeLength() int {
	return int(b.lengthSizeMinusOne) + 1
}

// ParameterSets returns SPS, PPS and (for Range Extensions profiles) SPS
// extension units, in record order.
func (b *AvcConfigBox) ParameterSets() [][]byte {
	var out [][]byte
	out = append(out, b.sps...)
	out = append(out, b.pps...)
	out = append(out, b.spsExt...)
	return out
}

func parseAvcConfigBox(outer *Box, r *reader) (TypedBox, error) {
	ib := &AvcConfigBox{Box: outer}

	ib.configurationVersion, _ = r.readUint8()
	if r.ok() && ib.configurationVersion != 1 {
		return nil, errors.Errorf("avcC configuration version %d, want 1", ib.configurationVersion)
	}
	ib.profileIndication, _ = r.readUint8()
	ib.profileCompat, _ = r.readUint8()
	ib.levelIndication, _ = r.readUint8()

	ch, _ := r.readUint8()
	ib.lengthSizeMinusOne = ch & 0x03

	readUnitArray := func(count int) [][]byte {
		var units [][]byte
		for i := 0; r.ok() && i < count; i++ {
			size, _ := r.readUint16()
			unit, err := r.readBytes(int(size))
			if err != nil {
				return units
			}
			units = append(units, unit)
		}
		return units
	}

	numSPS, _ := r.readUint8()
	ib.sps = readUnitArray(int(numSPS & 0x1F))
	numPPS, _ := r.readUint8()
	ib.pps = readUnitArray(int(numPPS))

	// Range Extensions profiles append chroma/bit-depth fields and an SPS
	// extension array. Some encoders omit the section entirely.
	switch ib.profileIndication {
	case 100, 110, 122, 144:
		if r.ok() && r.remain() >= 4 {
			r.discard(3) // chroma_format, bit_depth_luma, bit_depth_chroma
			numSPSExt, _ := r.readUint8()
			ib.spsExt = readUnitArray(int(numSPSExt))
		}
	}

	if !r.ok() {
		return nil, r.err
	}
	return ib, nil
}

// av1Config is the fixed bit-field prefix of an AV1CodecConfigurationRecord.
type av1Config struct {
	marker                           uint8  // must be 1
	version                          uint8  // must be 1
	seqProfile                       uint8  // 3 bits
	seqLevelIdx0                     uint8  // 5 bits
	seqTier0                         uint8  // 1 bit
	highBitdepth                     uint8  // 1 bit
	twelveBit                        uint8  // 1 bit
	monochrome                       uint8  // 1 bit
	chromaSubsamplingX               uint8  // 1 bit
	chromaSubsamplingY               uint8  // 1 bit
	chromaSamplePosition             uint8  // 2 bits
	initialPresentationDelayPresent  uint8  // 1 bit
	initialPresentationDelayMinusOne uint8  // 4 bits (optional)
	configOBUs                       []byte // remaining bytes
}

// Av1ConfigBox is the "av1C" property. Its config OBUs have no equivalent
// in the extracted IVF stream and are retained for inspection only.
type Av1ConfigBox struct {
	*Box
	config av1Config
}

// SeqProfile returns the 3-bit AV1 sequence profile.
func (b *Av1ConfigBox) SeqProfile() uint8 { return b.config.seqProfile }

// ConfigOBUs returns the trailing config OBU bytes, possibly empty.
func (b *Av1ConfigBox) ConfigOBUs() []byte { return b.config.configOBUs }

func parseAv1ConfigBox(outer *Box, r *reader) (TypedBox, error) {
	ib := &Av1ConfigBox{Box: outer}
	c := &ib.config

	// marker (1 bit) + version (7 bits)
	ch, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	c.marker = (ch >> 7) & 1
	c.version = ch & 0x7F

	// seq_profile (3 bits) + seq_level_idx_0 (5 bits)
	ch, err = r.readUint8()
	if err != nil {
		return nil, err
	}
	c.seqProfile = (ch >> 5) & 0x07
	c.seqLevelIdx0 = ch & 0x1F

	// seq_tier_0, high_bitdepth, twelve_bit, monochrome,
	// chroma_subsampling_x/y, chroma_sample_position
	ch, err = r.readUint8()
	if err != nil {
		return nil, err
	}
	c.seqTier0 = (ch >> 7) & 1
	c.highBitdepth = (ch >> 6) & 1
	c.twelveBit = (ch >> 5) & 1
	c.monochrome = (ch >> 4) & 1
	c.chromaSubsamplingX = (ch >> 3) & 1
	c.chromaSubsamplingY = (ch >> 2) & 1
	c.chromaSamplePosition = ch & 0x03

	// reserved (3 bits) + initial_presentation_delay fields
	ch, err = r.readUint8()
	if err != nil {
		return nil, err
	}
	c.initialPresentationDelayPresent = (ch >> 4) & 1
	if c.initialPresentationDelayPresent == 1 {
		c.initialPresentationDelayMinusOne = ch & 0x0F
	}

	c.configOBUs, _ = r.readBytes(r.remain())
	if !r.ok() {
		return nil, r.err
	}
	return ib, nil
}
