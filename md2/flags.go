package md2

import (
	"fmt"
	"strings"
)

// SystemFlag is the topic/record system flag bitset.
type SystemFlag uint16

const (
	StringKey       SystemFlag = 0x0001
	IntKey          SystemFlag = 0x0004
	ZipRecord       SystemFlag = 0x0010
	CipherRecord    SystemFlag = 0x0020
	SaveMdInRecord  SystemFlag = 0x0040
	TMs             SystemFlag = 0x0100 // __t__ in milliseconds
	TmMs            SystemFlag = 0x0200 // __tm__ in milliseconds
	NoDisk          SystemFlag = 0x1000
	LoadingFromDisk SystemFlag = 0x2000

	KeyTypeMask SystemFlag = 0x000F

	// RecordMask selects the flags persisted per record in the descriptor.
	RecordMask = ZipRecord | CipherRecord
)

var flagNames = []struct {
	flag SystemFlag
	name string
}{
	{StringKey, "sf_string_key"},
	{IntKey, "sf_int_key"},
	{ZipRecord, "sf_zip_record"},
	{CipherRecord, "sf_cipher_record"},
	{SaveMdInRecord, "sf_save_md_in_record"},
	{TMs, "sf_t_ms"},
	{TmMs, "sf_tm_ms"},
	{NoDisk, "sf_no_record_disk"},
	{LoadingFromDisk, "sf_loading_from_disk"},
}

// KeyType returns only the key type bits.
func (f SystemFlag) KeyType() SystemFlag {
	return f & KeyTypeMask
}

// Has reports whether every bit of o is set in f.
func (f SystemFlag) Has(o SystemFlag) bool {
	return f&o == o
}

func (f SystemFlag) String() string {
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseSystemFlag parses names separated by '|', ',' or blanks, e.g.
// "sf_string_key|sf_t_ms". The "sf2_" prefix is accepted too.
func ParseSystemFlag(s string) (SystemFlag, error) {
	var f SystemFlag
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '|' || r == ',' || r == ' ' || r == '\t'
	})
	for _, field := range fields {
		name := strings.Replace(strings.ToLower(field), "sf2_", "sf_", 1)
		found := false
		for _, n := range flagNames {
			if n.name == name {
				f |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown system flag %q", field)
		}
	}
	return f, nil
}
