package unheif

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/avpack/unheif/heif"
	"github.com/pkg/errors"
)

func u16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func u32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func bx(typ string, payload ...[]byte) []byte {
	body := cat(payload...)
	return cat(u32(uint32(8+len(body))), []byte(typ), body)
}

func fullbx(typ string, version uint8, flags uint32, payload ...[]byte) []byte {
	vf := u32(uint32(version)<<24 | flags&0xFFFFFF)
	return bx(typ, cat(vf, cat(payload...)))
}

func hdlrBox() []byte {
	return fullbx("hdlr", 0, 0, u32(0), []byte("pict"), make([]byte, 12), []byte{0})
}

func infeBox(id uint16, itemType string) []byte {
	return fullbx("infe", 2, 0, u16(id), u16(0), []byte(itemType), []byte{0})
}

func iinfBox(entries ...[]byte) []byte {
	return fullbx("iinf", 0, 0, u16(uint16(len(entries))), cat(entries...))
}

func ispeBox(w, h uint32) []byte {
	return fullbx("ispe", 0, 0, u32(w), u32(h))
}

// hvcCBox builds a decoder configuration with one NAL array per
// parameter-set unit.
func hvcCBox(lengthSizeMinusOne uint8, units ...[]byte) []byte {
	prefix := make([]byte, 21)
	prefix[0] = 1
	body := cat(prefix, []byte{0xFC | lengthSizeMinusOne&3, byte(len(units))})
	for i, u := range units {
		body = append(body, 0x80|byte(32+i)) // complete; VPS, SPS, PPS...
		body = append(body, u16(1)...)
		body = append(body, u16(uint16(len(u)))...)
		body = append(body, u...)
	}
	return bx("hvcC", body)
}

func avcCBox(lengthSizeMinusOne uint8, sps, pps []byte) []byte {
	return bx("avcC", cat(
		[]byte{1, 66, 0, 30, 0xFC | lengthSizeMinusOne&3},
		[]byte{0xE1}, u16(uint16(len(sps))), sps,
		[]byte{1}, u16(uint16(len(pps))), pps,
	))
}

func av1CBox() []byte {
	return bx("av1C", []byte{0x81, 0x00, 0x00, 0x00})
}

type extent struct {
	off, length uint64
}

func ilocBox(id uint16, extents ...extent) []byte {
	body := cat([]byte{0x44, 0x00}, u16(1), u16(id), u16(0), u16(uint16(len(extents))))
	for _, e := range extents {
		body = append(body, u32(uint32(e.off))...)
		body = append(body, u32(uint32(e.length))...)
	}
	return fullbx("iloc", 0, 0, body)
}

// ipmaBox associates item id with the 1-based ipco indices 1..n.
func ipmaBox(id uint16, n int) []byte {
	body := cat(u32(1), u16(id), []byte{byte(n)})
	for i := 1; i <= n; i++ {
		body = append(body, byte(i))
	}
	return fullbx("ipma", 0, 0, body)
}

// buildImage assembles a complete one-item file: ftyp + mdat + meta, with
// the item's extents resolved against the real mdat position.
func buildImage(brand, itemType string, props [][]byte, mdatPayload []byte, extents []extent) *heif.File {
	ftyp := bx("ftyp", []byte(brand), u32(0), []byte("mif1"))
	mdatOff := uint64(len(ftyp)) + 8
	resolved := make([]extent, len(extents))
	for i, e := range extents {
		resolved[i] = extent{off: mdatOff + e.off, length: e.length}
	}
	meta := fullbx("meta", 0, 0,
		hdlrBox(),
		fullbx("pitm", 0, 0, u16(1)),
		iinfBox(infeBox(1, itemType)),
		bx("iprp", bx("ipco", cat(props...)), ipmaBox(1, len(props))),
		ilocBox(1, resolved...),
	)
	data := cat(ftyp, bx("mdat", mdatPayload), meta)
	return heif.Open(bytes.NewReader(data), int64(len(data)))
}

func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, startCode...)
		out = append(out, u...)
	}
	return out
}

func TestExtractHEVC(t *testing.T) {
	vps := []byte{0x40, 0x01, 0x0C}
	sps := []byte{0x42, 0x01, 0x01}
	pps := []byte{0x44, 0x01}
	nal := []byte{0x26, 0x01, 0xAF, 0x7D, 0x30}

	mdat := cat(u32(uint32(len(nal))), nal)
	f := buildImage("heic", "hvc1",
		[][]byte{ispeBox(1440, 960), hvcCBox(3, vps, sps, pps)},
		mdat, []extent{{0, uint64(len(mdat))}})

	var buf bytes.Buffer
	codec, err := Extract(&buf, f)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if codec != CodecHEVC {
		t.Errorf("codec = %v, want hevc", codec)
	}
	want := annexB(vps, sps, pps, nal)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("output = %x, want %x", buf.Bytes(), want)
	}
}

func TestExtractHEVCMultiExtentShortPrefix(t *testing.T) {
	// Two-byte length prefixes, two extents listed in reverse file order.
	sps := []byte{0x42, 0x01}
	nal1 := []byte{0x26, 0x01, 0x11}
	nal2 := []byte{0x02, 0x01, 0x22, 0x22}

	ext1 := cat(u16(uint16(len(nal1))), nal1)
	ext2 := cat(u16(uint16(len(nal2))), nal2)
	mdat := cat(ext2, ext1) // ext1 comes second in the file

	f := buildImage("heic", "hvc1",
		[][]byte{ispeBox(8, 8), hvcCBox(1, sps)},
		mdat, []extent{
			{uint64(len(ext2)), uint64(len(ext1))},
			{0, uint64(len(ext2))},
		})

	var buf bytes.Buffer
	if _, err := Extract(&buf, f); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := annexB(sps, nal1, nal2)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("output = %x, want %x", buf.Bytes(), want)
	}
}

func TestExtractDeterministic(t *testing.T) {
	nal := []byte{0x26, 0x01, 0xAF}
	mdat := cat(u32(uint32(len(nal))), nal)
	f := buildImage("heic", "hvc1",
		[][]byte{ispeBox(8, 8), hvcCBox(3, []byte{0x42, 0x01})},
		mdat, []extent{{0, uint64(len(mdat))}})

	var first, second bytes.Buffer
	if _, err := Extract(&first, f); err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	if _, err := Extract(&second, f); err != nil {
		t.Fatalf("second Extract: %v", err)
	}
	if sha1.Sum(first.Bytes()) != sha1.Sum(second.Bytes()) {
		t.Error("repeated extraction produced different bytes")
	}
}

func TestExtractHEVCTrailingBytes(t *testing.T) {
	nal := []byte{0x26, 0x01}
	mdat := cat(u32(uint32(len(nal))), nal, []byte{0xEE}) // stray byte
	f := buildImage("heic", "hvc1",
		[][]byte{hvcCBox(3, []byte{0x42})},
		mdat, []extent{{0, uint64(len(mdat))}})

	if _, err := Extract(new(bytes.Buffer), f); !errors.Is(err, ErrExtentLengthMismatch) {
		t.Fatalf("err = %v, want ErrExtentLengthMismatch", err)
	}
}

func TestExtractHEVCUnitOverrunsExtent(t *testing.T) {
	mdat := cat(u32(100), []byte{0x26, 0x01}) // declares 100, has 2
	f := buildImage("heic", "hvc1",
		[][]byte{hvcCBox(3, []byte{0x42})},
		mdat, []extent{{0, uint64(len(mdat))}})

	if _, err := Extract(new(bytes.Buffer), f); !errors.Is(err, ErrExtentLengthMismatch) {
		t.Fatalf("err = %v, want ErrExtentLengthMismatch", err)
	}
}

func TestExtractAVC(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1E}
	pps := []byte{0x68, 0xCE}
	nal := []byte{0x65, 0x88, 0x84}

	mdat := cat(u16(uint16(len(nal))), nal)
	f := buildImage("avic", "avc1",
		[][]byte{ispeBox(640, 480), avcCBox(1, sps, pps)},
		mdat, []extent{{0, uint64(len(mdat))}})

	var buf bytes.Buffer
	codec, err := Extract(&buf, f)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if codec != CodecAVC {
		t.Errorf("codec = %v, want avc", codec)
	}
	want := annexB(sps, pps, nal)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("output = %x, want %x", buf.Bytes(), want)
	}
}

func TestExtractAV1(t *testing.T) {
	obus := []byte{0x32, 0x06, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	f := buildImage("avif", "av01",
		[][]byte{ispeBox(320, 180), av1CBox()},
		obus, []extent{{0, uint64(len(obus))}})

	var buf bytes.Buffer
	codec, err := Extract(&buf, f)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if codec != CodecAV1 {
		t.Errorf("codec = %v, want av1", codec)
	}

	want := cat(
		[]byte{'D', 'K', 'I', 'F', 0, 0, 32, 0},
		[]byte{'A', 'V', '0', '1'},
		[]byte{0x40, 0x01, 0xB4, 0x00}, // 320 x 180, little endian
		[]byte{25, 0, 0, 0, 1, 0, 0, 0},
		bytes.Repeat([]byte{0xFF}, 8),
		u32le(uint32(2+len(obus))), // frame length: temporal delimiter + OBUs
		make([]byte, 8),            // presentation timestamp
		[]byte{0x12, 0x00},
		obus,
	)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("output = %x\nwant %x", buf.Bytes(), want)
	}
}

func u32le(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}

func TestExtractAV1MissingSpatialExtents(t *testing.T) {
	obus := []byte{0x32, 0x01, 0x00}
	f := buildImage("avif", "av01",
		[][]byte{av1CBox()},
		obus, []extent{{0, uint64(len(obus))}})

	if _, err := Extract(new(bytes.Buffer), f); !errors.Is(err, ErrMissingSpatialExtents) {
		t.Fatalf("err = %v, want ErrMissingSpatialExtents", err)
	}
}

func TestExtractUnsupportedBrand(t *testing.T) {
	f := buildImage("mif1", "hvc1",
		[][]byte{hvcCBox(3, []byte{0x42})},
		nil, nil)

	if _, err := Extract(new(bytes.Buffer), f); !errors.Is(err, ErrUnsupportedBrand) {
		t.Fatalf("err = %v, want ErrUnsupportedBrand", err)
	}
}

func TestExtractMissingDecoderConfig(t *testing.T) {
	mdat := []byte{0, 0, 0, 0}
	f := buildImage("heic", "hvc1",
		[][]byte{ispeBox(8, 8)},
		mdat, []extent{{0, 4}})

	if _, err := Extract(new(bytes.Buffer), f); !errors.Is(err, ErrMissingDecoderConfig) {
		t.Fatalf("err = %v, want ErrMissingDecoderConfig", err)
	}
}

func TestExtractAmbiguousDecoderConfig(t *testing.T) {
	mdat := []byte{0, 0, 0, 0}
	f := buildImage("heic", "hvc1",
		[][]byte{hvcCBox(3, []byte{0x42}), hvcCBox(3, []byte{0x42})},
		mdat, []extent{{0, 4}})

	if _, err := Extract(new(bytes.Buffer), f); !errors.Is(err, ErrAmbiguousDecoderConfig) {
		t.Fatalf("err = %v, want ErrAmbiguousDecoderConfig", err)
	}
}

func TestCodecNames(t *testing.T) {
	cases := []struct {
		codec Codec
		name  string
		ext   string
	}{
		{CodecHEVC, "hevc", ".hevc"},
		{CodecAVC, "avc", ".264"},
		{CodecAV1, "av1", ".ivf"},
	}
	for _, tc := range cases {
		if tc.codec.String() != tc.name || tc.codec.OutputExt() != tc.ext {
			t.Errorf("%d: got %q %q, want %q %q",
				int(tc.codec), tc.codec.String(), tc.codec.OutputExt(), tc.name, tc.ext)
		}
	}
}

func TestExtractExif(t *testing.T) {
	tiff := []byte("II\x2A\x00\x08\x00\x00\x00")
	payload := cat(u32(0), tiff)

	ftyp := bx("ftyp", []byte("heic"), u32(0), []byte("mif1"))
	mdatOff := uint64(len(ftyp)) + 8
	meta := fullbx("meta", 0, 0,
		hdlrBox(),
		fullbx("pitm", 0, 0, u16(1)),
		iinfBox(infeBox(1, "hvc1"), infeBox(2, "Exif")),
		ilocBox(2, extent{mdatOff, uint64(len(payload))}),
	)
	data := cat(ftyp, bx("mdat", payload), meta)

	got, err := ExtractExif(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("ExtractExif: %v", err)
	}
	if !bytes.Equal(got, tiff) {
		t.Errorf("EXIF = %x, want %x", got, tiff)
	}
}
