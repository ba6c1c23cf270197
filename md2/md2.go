// Package md2 encodes the fixed-size record descriptors stored in the .md2 shard files.
//
// A descriptor is four big-endian uint64 values:
//
//	t_with_flags | tm_with_flags | offset | size
//
// The two time fields carry a 44-bit timestamp in the low bits and a 16-bit flag
// in bits 44..59. The user flag travels in the arrival time, the system flag in
// the application time.
package md2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the on-disk size of one descriptor.
const Size = 32

const (
	// TimeMask selects the timestamp bits. Maximum date is far beyond year 500000.
	TimeMask uint64 = 0x00000FFFFFFFFFFF
	// FlagMask selects the 16 flag bits packed above the timestamp.
	FlagMask uint64 = 0x0FFFF00000000000

	flagShift = 44
)

var ErrShortDescriptor = errors.New("md2: short descriptor")

// Pack combines a timestamp and a flag into one descriptor time field.
func Pack(t uint64, flag uint16) uint64 {
	return (uint64(flag) << flagShift & FlagMask) | (t & TimeMask)
}

// Unpack splits a descriptor time field into timestamp and flag.
func Unpack(v uint64) (uint64, uint16) {
	return v & TimeMask, uint16((v & FlagMask) >> flagShift)
}

// Metadata is the decoded form of a descriptor.
type Metadata struct {
	T          uint64
	TM         uint64
	UserFlag   uint16
	SystemFlag SystemFlag
	Offset     uint64
	Size       uint64
}

// Encode writes the big-endian descriptor into dst, which must hold Size bytes.
func (m Metadata) Encode(dst []byte) {
	_ = dst[Size-1]
	binary.BigEndian.PutUint64(dst[0:8], Pack(m.T, m.UserFlag))
	binary.BigEndian.PutUint64(dst[8:16], Pack(m.TM, uint16(m.SystemFlag)))
	binary.BigEndian.PutUint64(dst[16:24], m.Offset)
	binary.BigEndian.PutUint64(dst[24:32], m.Size)
}

// Decode parses a descriptor.
func Decode(src []byte) (Metadata, error) {
	if len(src) < Size {
		return Metadata{}, fmt.Errorf("%w: %d bytes", ErrShortDescriptor, len(src))
	}
	var m Metadata
	var sf uint16
	m.T, m.UserFlag = Unpack(binary.BigEndian.Uint64(src[0:8]))
	m.TM, sf = Unpack(binary.BigEndian.Uint64(src[8:16]))
	m.SystemFlag = SystemFlag(sf)
	m.Offset = binary.BigEndian.Uint64(src[16:24])
	m.Size = binary.BigEndian.Uint64(src[24:32])
	return m, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Metadata) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Size)
	m.Encode(buf)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	d, err := Decode(data)
	if err != nil {
		return err
	}
	*m = d
	return nil
}

// Info is the JSON view of a descriptor, attached to records as __md_tranger__.
type Info struct {
	Rowid      uint64 `json:"rowid"`
	T          uint64 `json:"t"`
	TM         uint64 `json:"tm"`
	Offset     uint64 `json:"offset"`
	Size       uint64 `json:"size"`
	UserFlag   uint16 `json:"user_flag"`
	SystemFlag uint16 `json:"system_flag"`
}

// Info returns the JSON view of m for the given rowid.
func (m Metadata) Info(rowid uint64) Info {
	return Info{
		Rowid:      rowid,
		T:          m.T,
		TM:         m.TM,
		Offset:     m.Offset,
		Size:       m.Size,
		UserFlag:   m.UserFlag,
		SystemFlag: uint16(m.SystemFlag),
	}
}
