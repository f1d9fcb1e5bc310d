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

// Package heif resolves items inside HEIF containers (HEIC/AVIF/AVIC
// images). It joins the container's metadata tables — primary item,
// property container, property associations, item locations — into
// concrete byte ranges and per-item properties. It does not decode
// pixels.
package heif

import (
	"encoding/binary"
	"io"

	"github.com/avpack/unheif/heif/bmff"
	"github.com/pkg/errors"
)

// Semantic errors: the file is well-formed BMFF but does not satisfy the
// minimal-HEIF assumptions of this pipeline. Match with errors.Is.
var (
	ErrMissingFtyp         = errors.New("heif: first top-level box is not ftyp")
	ErrMissingMeta         = errors.New("heif: no meta box")
	ErrMissingPrimaryItem  = errors.New("heif: no primary item box")
	ErrMissingItemLocation = errors.New("heif: item has no location entry")
	ErrMissingMediaData    = errors.New("heif: no usable mdat box")

	// ErrUnsupportedConstruction is returned for items stored with any
	// iloc construction method other than plain file offsets, or with a
	// non-zero data reference index. Never guessed around.
	ErrUnsupportedConstruction = errors.New("heif: unsupported item construction")

	// ErrPropertyIndexOutOfRange is returned when an ipma entry
	// references a property index outside the ipco child range.
	ErrPropertyIndexOutOfRange = errors.New("heif: property index out of range")

	// ErrUnknownItem is returned by File.ItemByID for unknown items.
	ErrUnknownItem = errors.New("heif: unknown item")

	// ErrNoEXIF is returned by File.EXIF when a file does not contain an
	// EXIF item.
	ErrNoEXIF = errors.New("heif: no EXIF found")
)

// File represents a HEIF file.
//
// Methods on File should not be called concurrently.
type File struct {
	src *bmff.Source

	// Populated lazily, by getMeta:
	metaErr error
	meta    *BoxMeta
	mdats   []*bmff.Box
}

// BoxMeta contains the low-level BMFF metadata boxes.
type BoxMeta struct {
	FileType     *bmff.FileTypeBox
	Handler      *bmff.HandlerBox
	PrimaryItem  *bmff.PrimaryItemBox
	ItemInfo     *bmff.ItemInfoBox
	Properties   *bmff.ItemPropertiesBox
	ItemLocation *bmff.ItemLocationBox
}

// EXIFItemID returns the item ID of the EXIF part, or 0 if not found.
func (m *BoxMeta) EXIFItemID() uint32 {
	if m.ItemInfo == nil {
		return 0
	}
	for _, ife := range m.ItemInfo.ItemInfos {
		if ife.ItemType == "Exif" {
			return ife.ItemID
		}
	}
	return 0
}

// Item represents an item in a HEIF file.
type Item struct {
	f *File

	ID         uint32
	Info       *bmff.ItemInfoEntry
	Location   *bmff.ItemLocationEntry
	Properties []bmff.TypedBox
}

// SpatialExtents returns the item's spatial extents property values, if
// present, not correcting for any rotation metadata.
func (it *Item) SpatialExtents() (width, height int, ok bool) {
	for _, p := range it.Properties {
		if p, ok := p.(*bmff.ImageSpatialExtentsProperty); ok {
			return int(p.ImageWidth), int(p.ImageHeight), true
		}
	}
	return
}

// Rotations returns the number of 90 degree rotations counter-clockwise
// that this image should be rendered at, in the range [0,3].
func (it *Item) Rotations() int {
	for _, p := range it.Properties {
		if p, ok := p.(*bmff.ImageRotation); ok {
			return int(p.Angle)
		}
	}
	return 0
}

// Mirror returns the mirroring axis: 0 = vertical, 1 = horizontal.
func (it *Item) Mirror() int {
	for _, p := range it.Properties {
		if p, ok := p.(*bmff.ImageMirror); ok {
			return int(p.Mirror)
		}
	}
	return 0
}

// VisualDimensions returns the item's width and height after correcting
// for any rotations.
func (it *Item) VisualDimensions() (width, height int, ok bool) {
	width, height, ok = it.SpatialExtents()
	for i := 0; i < it.Rotations(); i++ {
		width, height = height, width
	}
	return
}

// Open returns a handle to access a HEIF file of the given size.
func Open(ra io.ReaderAt, size int64) *File {
	return &File{src: bmff.NewSource(ra, size)}
}

// Source returns the file's underlying byte source.
func (f *File) Source() *bmff.Source { return f.src }

func (f *File) setMetaErr(err error) error {
	if f.metaErr == nil {
		f.metaErr = err
	}
	return err
}

func (f *File) getMeta() (*BoxMeta, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta != nil {
		return f.meta, nil
	}

	boxes, err := bmff.Decode(f.src)
	if err != nil {
		return nil, f.setMetaErr(err)
	}
	if len(boxes) == 0 || boxes[0].Type() != bmff.TypeFtyp {
		return nil, f.setMetaErr(errors.Wrap(ErrMissingFtyp, "decoding box tree"))
	}

	meta := &BoxMeta{}
	pbox, err := boxes[0].Parse()
	if err != nil {
		return nil, f.setMetaErr(err)
	}
	meta.FileType = pbox.(*bmff.FileTypeBox)

	var metabox *bmff.Box
	for _, b := range boxes {
		switch b.Type() {
		case bmff.TypeMeta:
			if metabox == nil {
				metabox = b
			}
		case bmff.TypeMdat:
			f.mdats = append(f.mdats, b)
		}
	}
	if metabox == nil {
		return nil, f.setMetaErr(errors.Wrap(ErrMissingMeta, "no top-level meta box"))
	}

	for _, box := range metabox.Children() {
		boxp, err := box.Parse()
		if err == bmff.ErrUnknownBox {
			continue
		}
		if err != nil {
			return nil, f.setMetaErr(err)
		}
		switch v := boxp.(type) {
		case *bmff.HandlerBox:
			meta.Handler = v
		case *bmff.PrimaryItemBox:
			meta.PrimaryItem = v
		case *bmff.ItemInfoBox:
			meta.ItemInfo = v
		case *bmff.ItemPropertiesBox:
			meta.Properties = v
		case *bmff.ItemLocationBox:
			meta.ItemLocation = v
		}
	}

	f.meta = meta
	return f.meta, nil
}

// FileType returns the parsed ftyp box.
func (f *File) FileType() (*bmff.FileTypeBox, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	return meta.FileType, nil
}

// MediaData returns the single top-level mdat box. Zero or several mdat
// boxes are both errors.
func (f *File) MediaData() (*bmff.Box, error) {
	if _, err := f.getMeta(); err != nil {
		return nil, err
	}
	switch n := len(f.mdats); n {
	case 1:
		return f.mdats[0], nil
	case 0:
		return nil, errors.Wrap(ErrMissingMediaData, "no mdat box")
	default:
		return nil, errors.Wrapf(ErrMissingMediaData, "%d mdat boxes", n)
	}
}

// PrimaryItem returns the HEIF file's primary item.
func (f *File) PrimaryItem() (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	if meta.PrimaryItem == nil {
		return nil, errors.Wrap(ErrMissingPrimaryItem, "no pitm box in meta")
	}
	return f.ItemByID(meta.PrimaryItem.ItemID)
}

// ItemByID returns the file's Item of a given ID, joining the location,
// info and property tables. If the ID appears in none of the tables, the
// returned error is ErrUnknownItem.
func (f *File) ItemByID(id uint32) (*Item, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	it := &Item{
		f:  f,
		ID: id,
	}
	if meta.ItemLocation != nil {
		if ent, ok := meta.ItemLocation.EntryByID(id); ok {
			it.Location = ent
		}
	}
	if meta.ItemInfo != nil {
		for _, iie := range meta.ItemInfo.ItemInfos {
			if iie.ItemID == id {
				it.Info = iie
			}
		}
	}

	var associated bool
	if meta.Properties != nil {
		props := meta.Properties.PropertyContainer.Properties
		for _, ipa := range meta.Properties.Associations {
			// Files with several ipma boxes carry distinct
			// version/flags combinations; stop after the first box
			// that mentions the item.
			entry, ok := ipa.EntryByID(id)
			if !ok {
				continue
			}
			associated = true
			for _, ass := range entry.Associations {
				if ass.Index == 0 || int(ass.Index) > len(props) {
					return nil, errors.Wrapf(ErrPropertyIndexOutOfRange,
						"item %d references property %d of %d", id, ass.Index, len(props))
				}
				box := props[ass.Index-1]
				var prop bmff.TypedBox = box
				if boxp, err := box.Parse(); err == nil {
					prop = boxp
				} else if err != bmff.ErrUnknownBox {
					return nil, err
				}
				it.Properties = append(it.Properties, prop)
			}
			break
		}
	}
	if it.Location == nil && it.Info == nil && !associated {
		return nil, errors.Wrapf(ErrUnknownItem, "item %d", id)
	}
	return it, nil
}

// GetItemData returns the item's data, concatenating its extents in table
// order. Only plain file-offset storage is supported.
func (f *File) GetItemData(it *Item) ([]byte, error) {
	if it.Location == nil {
		return nil, errors.Wrapf(ErrMissingItemLocation, "item %d", it.ID)
	}
	if err := CheckConstruction(it.Location); err != nil {
		return nil, err
	}

	const maxSize = 200 << 20 // cap it for sanity
	var total uint64
	for _, ext := range it.Location.Extents {
		total += ext.Length
	}
	if total > maxSize {
		return nil, errors.Errorf("heif: declared size %d exceeds threshold of %d bytes", total, maxSize)
	}

	data := make([]byte, 0, total)
	for _, ext := range it.Location.Extents {
		buf, err := f.src.ReadAt(int64(ext.Offset), int64(ext.Length))
		if err != nil {
			return nil, errors.Wrapf(err, "item %d extent", it.ID)
		}
		data = append(data, buf...)
	}
	return data, nil
}

// CheckConstruction verifies that the location entry uses the one storage
// mode this pipeline supports: unprotected file offsets in this file.
func CheckConstruction(loc *bmff.ItemLocationEntry) error {
	if loc.ConstructionMethod != 0 {
		return errors.Wrapf(ErrUnsupportedConstruction,
			"item %d uses construction method %d", loc.ItemID, loc.ConstructionMethod)
	}
	if loc.DataReferenceIndex != 0 {
		return errors.Wrapf(ErrUnsupportedConstruction,
			"item %d data in other file (reference index %d)", loc.ItemID, loc.DataReferenceIndex)
	}
	return nil
}

// EXIF returns the raw TIFF-encoded EXIF data from the file.
// The error is ErrNoEXIF if the file did not contain EXIF.
//
// The raw EXIF data can be parsed by the
// github.com/rwcarlsen/goexif/exif package's Decode function.
func (f *File) EXIF() ([]byte, error) {
	meta, err := f.getMeta()
	if err != nil {
		return nil, err
	}
	exifID := meta.EXIFItemID()
	if exifID == 0 {
		return nil, ErrNoEXIF
	}
	it, err := f.ItemByID(exifID)
	if err != nil {
		return nil, err
	}
	data, err := f.GetItemData(it)
	if err != nil {
		return nil, err
	}

	// The payload starts with a 32-bit exif_tiff_header_offset relative
	// to the end of that field.
	if len(data) < 4 {
		return nil, errors.Wrap(ErrNoEXIF, "EXIF item too short")
	}
	off := binary.BigEndian.Uint32(data)
	if 4+uint64(off) > uint64(len(data)) {
		return nil, errors.Wrapf(ErrNoEXIF, "EXIF TIFF header offset %d beyond item", off)
	}
	return data[4+off:], nil
}
