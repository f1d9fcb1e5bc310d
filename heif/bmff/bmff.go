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

// Package bmff reads ISO BMFF boxes, as used by HEIF/HEIC/AVIF images.
//
// This is not so much a generic BMFF reader as it is a BMFF reader as
// needed by the unheif extraction pipeline: the box tree is decoded once
// from a random-access source, and only the box types the pipeline reads
// into have explicit parsers. Everything else stays an opaque leaf.
package bmff

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Common errors. Wrapped occurrences carry the box type and byte offset;
// match with errors.Is.
var (
	// ErrUnknownBox is returned by Box.Parse for unrecognized box types.
	ErrUnknownBox = errors.New("bmff: unknown box")

	// ErrTruncatedBox is returned when a declared size or extent would
	// read past the end of the source or the enclosing box.
	ErrTruncatedBox = errors.New("bmff: truncated box")

	// ErrInvalidSize is returned when a box declares a non-zero size
	// smaller than its own header.
	ErrInvalidSize = errors.New("bmff: invalid box size")
)

// Source is a byte-addressable, seekable view of one BMFF file.
type Source struct {
	r    io.ReaderAt
	size int64
}

func NewSource(r io.ReaderAt, size int64) *Source {
	return &Source{r: r, size: size}
}

// Len returns the total length of the source in bytes.
func (s *Source) Len() int64 { return s.size }

// ReadAt returns exactly n bytes starting at off.
func (s *Source) ReadAt(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > s.size {
		return nil, errors.Wrapf(ErrTruncatedBox, "read [%d:%d) beyond source length %d", off, off+n, s.size)
	}
	buf := make([]byte, n)
	if _, err := s.r.ReadAt(buf, off); err != nil {
		return nil, errors.Wrapf(err, "read %d bytes at offset %d", n, off)
	}
	return buf, nil
}

type BoxType [4]byte

// Common box types.
var (
	TypeFtyp = boxType("ftyp")
	TypeMeta = boxType("meta")
	TypeMdat = boxType("mdat")
	TypeUUID = boxType("uuid")
)

func (t BoxType) String() string { return string(t[:]) }

func (t BoxType) EqualString(s string) bool {
	// Could be cleaner, but see https://github.com/golang/go/issues/24765
	return len(s) == 4 && s[0] == t[0] && s[1] == t[1] && s[2] == t[2] && s[3] == t[3]
}

func boxType(s string) BoxType {
	if len(s) != 4 {
		panic("bogus boxType length")
	}
	return BoxType{s[0], s[1], s[2], s[3]}
}

// TypedBox is the parsed view of a box payload. The concrete type depends
// on the box type; unparsed boxes satisfy it too.
type TypedBox interface {
	Type() BoxType
}

// Box is one node of the container tree. Boxes are constructed once by
// Decode and immutable afterward.
type Box struct {
	typ      BoxType
	userType []byte // 16 bytes, set only when typ == "uuid"
	src      *Source

	start        int64 // offset of the size field
	payloadStart int64 // first byte after the header
	end          int64 // start + declared size

	children []*Box // non-nil only for container types
	parsed   TypedBox
}

func (b *Box) Type() BoxType { return b.typ }

// UserType returns the 16-byte extended type of a "uuid" box, or nil.
func (b *Box) UserType() []byte { return b.userType }

func (b *Box) Start() int64        { return b.start }
func (b *Box) PayloadStart() int64 { return b.payloadStart }
func (b *Box) End() int64          { return b.end }
func (b *Box) Size() int64         { return b.end - b.start }
func (b *Box) PayloadLen() int64   { return b.end - b.payloadStart }

// Children returns the decoded child boxes, in file order. Only container
// types (per the registry) have children; for everything else it is nil.
func (b *Box) Children() []*Box { return b.children }

// Payload returns the raw payload bytes, header excluded. For full boxes
// this includes the version/flags word.
func (b *Box) Payload() ([]byte, error) {
	return b.src.ReadAt(b.payloadStart, b.end-b.payloadStart)
}

// Parse parses the box payload, returning a concrete type from the
// registry. If the box type is unknown the error is ErrUnknownBox and the
// box is left untouched. The result is cached.
func (b *Box) Parse() (TypedBox, error) {
	if b.parsed != nil {
		return b.parsed, nil
	}
	parser, ok := parsers[b.typ]
	if !ok {
		return nil, ErrUnknownBox
	}
	payload, err := b.Payload()
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q box", b.typ)
	}
	v, err := parser(b, &reader{buf: payload, base: b.payloadStart})
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q box at offset %d", b.typ, b.start)
	}
	b.parsed = v
	return v, nil
}

type parserFunc func(outer *Box, r *reader) (TypedBox, error)

var parsers map[BoxType]parserFunc

func init() {
	parsers = map[BoxType]parserFunc{
		boxType("ftyp"): parseFileTypeBox,
		boxType("meta"): parseMetaBox,
		boxType("hdlr"): parseHandlerBox,
		boxType("pitm"): parsePrimaryItemBox,
		boxType("iinf"): parseItemInfoBox,
		boxType("infe"): parseItemInfoEntry,
		boxType("iloc"): parseItemLocationBox,
		boxType("iprp"): parseItemPropertiesBox,
		boxType("ipco"): parseItemPropertyContainerBox,
		boxType("ipma"): parseItemPropertyAssociation,
		boxType("ispe"): parseImageSpatialExtentsProperty,
		boxType("irot"): parseImageRotation,
		boxType("imir"): parseImageMirror,
		boxType("hvcC"): parseHevcConfigBox,
		boxType("avcC"): parseAvcConfigBox,
		boxType("av1C"): parseAv1ConfigBox,
	}
}

// Decode decodes the source's top-level box sequence and, recursively, the
// children of every container type. The tree is built in a single pass.
func Decode(src *Source) ([]*Box, error) {
	return decodeRange(src, 0, src.Len())
}

// decodeRange decodes the ordered sequence of sibling boxes fully
// contained in [start, end).
func decodeRange(src *Source, start, end int64) ([]*Box, error) {
	var boxes []*Box
	cur := start
	for cur < end {
		b, err := decodeBox(src, cur, end)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
		cur = b.end
	}
	return boxes, nil
}

func decodeBox(src *Source, start, end int64) (*Box, error) {
	if start+8 > end {
		return nil, errors.Wrapf(ErrTruncatedBox, "partial box header at offset %d", start)
	}
	hdr, err := src.ReadAt(start, 8)
	if err != nil {
		return nil, err
	}
	b := &Box{src: src, start: start}
	copy(b.typ[:], hdr[4:8])

	size := int64(binary.BigEndian.Uint32(hdr[:4]))
	hdrLen := int64(8)
	switch size {
	case 1:
		// 64-bit large size follows the type field.
		if start+16 > end {
			return nil, errors.Wrapf(ErrTruncatedBox, "partial %q large-size header at offset %d", b.typ, start)
		}
		large, err := src.ReadAt(start+8, 8)
		if err != nil {
			return nil, err
		}
		size = int64(binary.BigEndian.Uint64(large))
		if size < 0 {
			// BMFF sizes are uint64; nobody uses boxes beyond int64.
			return nil, errors.Wrapf(ErrInvalidSize, "unexpectedly large box %q at offset %d", b.typ, start)
		}
		hdrLen = 16
	case 0:
		// Box extends to the end of the enclosing range.
		size = end - start
	}

	if b.typ == TypeUUID {
		if start+hdrLen+16 > end {
			return nil, errors.Wrapf(ErrTruncatedBox, "partial uuid extended type at offset %d", start)
		}
		b.userType, err = src.ReadAt(start+hdrLen, 16)
		if err != nil {
			return nil, err
		}
		hdrLen += 16
	}

	if size < hdrLen {
		return nil, errors.Wrapf(ErrInvalidSize, "box %q at offset %d declares size %d", b.typ, start, size)
	}
	if start+size > end {
		return nil, errors.Wrapf(ErrTruncatedBox, "box %q at offset %d declares size %d with %d bytes remaining", b.typ, start, size, end-start)
	}
	b.payloadStart = start + hdrLen
	b.end = start + size

	// Whether the payload is itself a box sequence is a property of the
	// box type, never inferable from the bytes alone.
	if cs, ok, err := childrenStart(src, b.typ, b.payloadStart); err != nil {
		return nil, err
	} else if ok {
		if cs > b.end {
			return nil, errors.Wrapf(ErrTruncatedBox, "container %q at offset %d too small for its own header", b.typ, start)
		}
		b.children, err = decodeRange(src, cs, b.end)
		if err != nil {
			return nil, errors.Wrapf(err, "in container %q", b.typ)
		}
	}
	return b, nil
}

// childrenStart reports whether typ is a container and at which payload
// offset its first child begins. meta is a full box; iinf carries an
// entry count whose width depends on the version.
func childrenStart(src *Source, typ BoxType, payloadStart int64) (int64, bool, error) {
	switch typ {
	case boxType("iprp"), boxType("ipco"), boxType("dinf"):
		return payloadStart, true, nil
	case TypeMeta:
		return payloadStart + 4, true, nil
	case boxType("iinf"):
		vers, err := src.ReadAt(payloadStart, 1)
		if err != nil {
			return 0, false, errors.Wrap(err, "iinf version")
		}
		if vers[0] == 0 {
			return payloadStart + 6, true, nil
		}
		return payloadStart + 8, true, nil
	}
	return 0, false, nil
}

// reader is a byte cursor over one box payload, with a sticky error. All
// bit-packed sub-byte fields are extracted from already-read bytes, never
// from a shared live bit cursor.
type reader struct {
	buf  []byte
	off  int
	base int64 // absolute offset of buf[0], for error context
	err  error
}

// ok reports whether all previous reads have been error-free.
func (r *reader) ok() bool { return r.err == nil }

func (r *reader) remain() int { return len(r.buf) - r.off }

func (r *reader) anyRemain() bool { return r.err == nil && r.remain() > 0 }

func (r *reader) fail(n int) error {
	r.err = errors.Wrapf(ErrTruncatedBox, "need %d bytes at offset %d, have %d", n, r.base+int64(r.off), r.remain())
	return r.err
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if n < 0 || r.remain() < n {
		return nil, r.fail(n)
	}
	buf := r.buf[r.off : r.off+n]
	r.off += n
	return buf, nil
}

func (r *reader) discard(n int) {
	if r.err == nil {
		if r.remain() < n {
			r.fail(n)
			return
		}
		r.off += n
	}
}

func (r *reader) readUint8() (uint8, error) {
	buf, err := r.readBytes(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *reader) readUint16() (uint16, error) {
	buf, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (r *reader) readUint32() (uint32, error) {
	buf, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// readUintN reads an n-byte big-endian unsigned integer, 0 <= n <= 8.
// n == 0 yields 0, the convention for absent width-selected fields.
func (r *reader) readUintN(n int) (uint64, error) {
	if n == 0 {
		return 0, r.err
	}
	if n > 8 {
		r.err = errors.Wrapf(ErrInvalidSize, "%d-byte integer field", n)
		return 0, r.err
	}
	buf, err := r.readBytes(n)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, c := range buf {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

func (r *reader) readString() (string, error) {
	if r.err != nil {
		return "", r.err
	}
	for i := r.off; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.off:i])
			r.off = i + 1
			return s, nil
		}
	}
	r.err = errors.Wrapf(ErrTruncatedBox, "unterminated string at offset %d", r.base+int64(r.off))
	return "", r.err
}

// FullBox carries the 8-bit version and 24-bit flags every "full box"
// starts with. The version selects among alternative field-width layouts
// for the rest of the payload.
type FullBox struct {
	*Box
	Version uint8
	Flags   uint32 // 24 bits
}

func readFullBox(outer *Box, r *reader) (fb FullBox, err error) {
	fb.Box = outer
	buf, err := r.readBytes(4)
	if err != nil {
		return FullBox{}, errors.Wrap(err, "full box header")
	}
	fb.Version = buf[0]
	fb.Flags = uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return fb, nil
}

// itemIDWidth maps a full-box version to the byte width of its item ids.
// pitm and ipma switch to 32-bit ids at version 1, iloc at version 2.
func itemIDWidth(version, wideFrom uint8) int {
	if version < wideFrom {
		return 2
	}
	return 4
}

// FileTypeBox is the "ftyp" box.
type FileTypeBox struct {
	*Box
	MajorBrand   string   // 4 bytes
	MinorVersion string   // 4 bytes
	Compatible   []string // all 4 bytes
}

// HasBrand reports whether brand is the major brand or among the
// compatible brands.
func (ft *FileTypeBox) HasBrand(brand string) bool {
	if ft.MajorBrand == brand {
		return true
	}
	for _, b := range ft.Compatible {
		if b == brand {
			return true
		}
	}
	return false
}

// Brands returns the unordered set of all declared brands.
func (ft *FileTypeBox) Brands() map[string]bool {
	m := map[string]bool{ft.MajorBrand: true}
	for _, b := range ft.Compatible {
		m[b] = true
	}
	return m
}

func parseFileTypeBox(outer *Box, r *reader) (TypedBox, error) {
	buf, err := r.readBytes(8)
	if err != nil {
		return nil, err
	}
	ft := &FileTypeBox{
		Box:          outer,
		MajorBrand:   string(buf[:4]),
		MinorVersion: string(buf[4:8]),
	}
	for r.anyRemain() {
		buf, err := r.readBytes(4)
		if err != nil {
			return nil, err
		}
		ft.Compatible = append(ft.Compatible, string(buf))
	}
	return ft, nil
}

// MetaBox is the "meta" box, a pure container.
type MetaBox struct {
	FullBox
}

func parseMetaBox(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	return &MetaBox{FullBox: fb}, nil
}

// HandlerBox is the "hdlr" box.
type HandlerBox struct {
	FullBox
	HandlerType string // always 4 bytes; "pict" for still images
	Name        string
}

func parseHandlerBox(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	buf, err := r.readBytes(20)
	if err != nil {
		return nil, err
	}
	hb := &HandlerBox{
		FullBox:     fb,
		HandlerType: string(buf[4:8]),
	}
	if r.anyRemain() {
		hb.Name, _ = r.readString()
	}
	return hb, r.err
}

// PrimaryItemBox is the "pitm" box.
type PrimaryItemBox struct {
	FullBox
	ItemID uint32 // 16 bits on the wire for version 0
}

func parsePrimaryItemBox(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	pib := &PrimaryItemBox{FullBox: fb}
	id, err := r.readUintN(itemIDWidth(fb.Version, 1))
	if err != nil {
		return nil, err
	}
	pib.ItemID = uint32(id)
	return pib, nil
}

// ItemInfoEntry is an "infe" box. Only versions 2 and 3 appear in HEIF
// files.
type ItemInfoEntry struct {
	FullBox

	ItemID          uint32
	ProtectionIndex uint16
	ItemType        string // always 4 bytes
	Name            string

	// If ItemType == "mime":
	ContentType     string
	ContentEncoding string

	// If ItemType == "uri ":
	ItemURIType string
}

func parseItemInfoEntry(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	if fb.Version < 2 {
		return nil, errors.Errorf("infe version %d not supported", fb.Version)
	}
	ie := &ItemInfoEntry{FullBox: fb}
	id, _ := r.readUintN(itemIDWidth(fb.Version, 3))
	ie.ItemID = uint32(id)
	ie.ProtectionIndex, _ = r.readUint16()
	buf, err := r.readBytes(4)
	if err != nil {
		return nil, err
	}
	ie.ItemType = string(buf)
	ie.Name, _ = r.readString()

	switch ie.ItemType {
	case "mime":
		ie.ContentType, _ = r.readString()
		if r.anyRemain() {
			ie.ContentEncoding, _ = r.readString()
		}
	case "uri ":
		ie.ItemURIType, _ = r.readString()
	}
	if !r.ok() {
		return nil, r.err
	}
	return ie, nil
}

// ItemInfoBox is the "iinf" box.
type ItemInfoBox struct {
	FullBox
	Count     uint32
	ItemInfos []*ItemInfoEntry
}

func parseItemInfoBox(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	ib := &ItemInfoBox{FullBox: fb}
	if fb.Version == 0 {
		count, _ := r.readUint16()
		ib.Count = uint32(count)
	} else {
		ib.Count, _ = r.readUint32()
	}
	if !r.ok() {
		return nil, r.err
	}
	for _, child := range outer.Children() {
		pb, err := child.Parse()
		if err == ErrUnknownBox {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "infe entry")
		}
		if ie, ok := pb.(*ItemInfoEntry); ok {
			ib.ItemInfos = append(ib.ItemInfos, ie)
		}
	}
	return ib, nil
}

// ItemPropertiesBox is the "iprp" box: one "ipco" property container
// followed by at least one "ipma" association box.
type ItemPropertiesBox struct {
	*Box
	PropertyContainer *ItemPropertyContainerBox
	Associations      []*ItemPropertyAssociation
}

func parseItemPropertiesBox(outer *Box, r *reader) (TypedBox, error) {
	ip := &ItemPropertiesBox{Box: outer}
	kids := outer.Children()
	if len(kids) < 2 {
		return nil, errors.Errorf("expect at least 2 children in iprp; got %d", len(kids))
	}
	cb, err := kids[0].Parse()
	if err != nil {
		return nil, errors.Wrapf(err, "first iprp child %q", kids[0].Type())
	}
	var ok bool
	ip.PropertyContainer, ok = cb.(*ItemPropertyContainerBox)
	if !ok {
		return nil, errors.Errorf("unexpected type %T for iprp property container", cb)
	}
	ip.Associations = make([]*ItemPropertyAssociation, 0, len(kids)-1)
	for _, child := range kids[1:] {
		pb, err := child.Parse()
		if err != nil {
			return nil, errors.Wrap(err, "association box")
		}
		ipa, ok := pb.(*ItemPropertyAssociation)
		if !ok {
			return nil, errors.Errorf("unexpected box %q instead of ipma", pb.Type())
		}
		ip.Associations = append(ip.Associations, ipa)
	}
	return ip, nil
}

// ItemPropertyContainerBox is the "ipco" box. Its children's 1-based file
// order is the index space used by "ipma".
type ItemPropertyContainerBox struct {
	*Box
	Properties []*Box
}

func parseItemPropertyContainerBox(outer *Box, r *reader) (TypedBox, error) {
	return &ItemPropertyContainerBox{Box: outer, Properties: outer.Children()}, nil
}

// ItemProperty is one association entry; not a box.
type ItemProperty struct {
	Essential bool
	Index     uint16 // 1-based into ipco children
}

// ItemPropertyAssociationItem is one item's associations; not a box.
type ItemPropertyAssociationItem struct {
	ItemID       uint32
	Associations []ItemProperty
}

// ItemPropertyAssociation is an "ipma" box.
type ItemPropertyAssociation struct {
	FullBox
	EntryCount uint32
	Entries    []ItemPropertyAssociationItem
}

// EntryByID returns the association entry for an item id.
func (a *ItemPropertyAssociation) EntryByID(id uint32) (ItemPropertyAssociationItem, bool) {
	for _, e := range a.Entries {
		if e.ItemID == id {
			return e, true
		}
	}
	return ItemPropertyAssociationItem{}, false
}

func parseItemPropertyAssociation(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	ipa := &ItemPropertyAssociation{FullBox: fb}
	ipa.EntryCount, _ = r.readUint32()

	for i := uint32(0); i < ipa.EntryCount && r.ok(); i++ {
		id, _ := r.readUintN(itemIDWidth(fb.Version, 1))
		assocCount, _ := r.readUint8()
		item := ItemPropertyAssociationItem{ItemID: uint32(id)}
		for j := 0; j < int(assocCount) && r.ok(); j++ {
			first, _ := r.readUint8()
			essential := first&(1<<7) != 0
			first &^= byte(1 << 7)

			var index uint16
			if fb.Flags&1 != 0 {
				second, _ := r.readUint8()
				index = uint16(first)<<8 | uint16(second)
			} else {
				index = uint16(first)
			}
			item.Associations = append(item.Associations, ItemProperty{
				Essential: essential,
				Index:     index,
			})
		}
		ipa.Entries = append(ipa.Entries, item)
	}
	if !r.ok() {
		return nil, r.err
	}
	return ipa, nil
}

// Extent is one contiguous byte range backing part of an item's payload.
// Offset is absolute within the source; any iloc base offset is already
// folded in.
type Extent struct {
	Offset, Length uint64
}

// ItemLocationEntry locates one item's data; not a box.
type ItemLocationEntry struct {
	ItemID             uint32
	ConstructionMethod uint8 // 0 = file offset; anything else is unsupported
	DataReferenceIndex uint16
	BaseOffset         uint64
	Extents            []Extent
}

// ItemLocationBox is the "iloc" box.
type ItemLocationBox struct {
	FullBox

	offsetSize, lengthSize, baseOffsetSize, indexSize uint8 // nibbles

	Items []ItemLocationEntry
}

// EntryByID returns the location entry for an item id.
func (b *ItemLocationBox) EntryByID(id uint32) (*ItemLocationEntry, bool) {
	for i := range b.Items {
		if b.Items[i].ItemID == id {
			return &b.Items[i], true
		}
	}
	return nil, false
}

func parseItemLocationBox(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	ilb := &ItemLocationBox{FullBox: fb}
	sizes, err := r.readBytes(2)
	if err != nil {
		return nil, err
	}
	ilb.offsetSize = sizes[0] >> 4
	ilb.lengthSize = sizes[0] & 15
	ilb.baseOffsetSize = sizes[1] >> 4
	if fb.Version >= 1 {
		ilb.indexSize = sizes[1] & 15
	}

	itemCount, _ := r.readUintN(itemIDWidth(fb.Version, 2))
	for i := uint64(0); r.ok() && i < itemCount; i++ {
		var ent ItemLocationEntry
		id, _ := r.readUintN(itemIDWidth(fb.Version, 2))
		ent.ItemID = uint32(id)
		if fb.Version >= 1 {
			cmeth, _ := r.readUint16()
			ent.ConstructionMethod = byte(cmeth & 15)
		}
		ent.DataReferenceIndex, _ = r.readUint16()
		ent.BaseOffset, _ = r.readUintN(int(ilb.baseOffsetSize))
		extentCount, _ := r.readUint16()
		for j := 0; r.ok() && j < int(extentCount); j++ {
			if fb.Version >= 1 && ilb.indexSize > 0 {
				r.discard(int(ilb.indexSize)) // extent_index, unused
			}
			off, _ := r.readUintN(int(ilb.offsetSize))
			length, _ := r.readUintN(int(ilb.lengthSize))
			ent.Extents = append(ent.Extents, Extent{
				Offset: ent.BaseOffset + off,
				Length: length,
			})
		}
		ilb.Items = append(ilb.Items, ent)
	}
	if !r.ok() {
		return nil, r.err
	}
	return ilb, nil
}

// ImageSpatialExtentsProperty is the "ispe" property.
type ImageSpatialExtentsProperty struct {
	FullBox
	ImageWidth  uint32
	ImageHeight uint32
}

func parseImageSpatialExtentsProperty(outer *Box, r *reader) (TypedBox, error) {
	fb, err := readFullBox(outer, r)
	if err != nil {
		return nil, err
	}
	w, _ := r.readUint32()
	h, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	return &ImageSpatialExtentsProperty{
		FullBox:     fb,
		ImageWidth:  w,
		ImageHeight: h,
	}, nil
}

// ImageRotation is the "irot" property. Descriptive only; the rotation is
// never applied to the extracted bitstream.
type ImageRotation struct {
	*Box
	Angle uint8 // in 90 degree counter-clockwise steps, [0,3]
}

func parseImageRotation(outer *Box, r *reader) (TypedBox, error) {
	v, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	return &ImageRotation{Box: outer, Angle: v & 3}, nil
}

// ImageMirror is the "imir" property. Descriptive only.
const (
	MirrorVertical   uint8 = 0
	MirrorHorizontal uint8 = 1
)

type ImageMirror struct {
	*Box
	Mirror uint8
}

func parseImageMirror(outer *Box, r *reader) (TypedBox, error) {
	v, err := r.readUint8()
	if err != nil {
		return nil, err
	}
	return &ImageMirror{Box: outer, Mirror: v & 1}, nil
}
