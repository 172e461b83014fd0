// Package buildid reads ELF build IDs: the kernel's own (from
// /sys/kernel/notes) and an arbitrary executable's (from its
// .note.gnu.build-id section, falling back to hashing .text when no note
// is present).
package buildid

import (
	"crypto/sha1"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// note is one decoded ELF note entry (its name without the NUL terminator
// and its desc bytes), as read from /sys/kernel/notes or a binary's
// .note.gnu.build-id section by parseNotes.
type note struct {
	name string
	desc []byte
}

func KernelBuildID() (string, error) {
	f, err := os.Open("/sys/kernel/notes")
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}

	notes, err := parseNotes(data)
	if err != nil {
		return "", err
	}

	for _, n := range notes {
		if n.name == "GNU" {
			return hex.EncodeToString(n.desc), nil
		}
	}

	return "", errors.New("kernel build id not found")
}

func ElfBuildID(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return "", err
	}

	if sec := ef.Section(".note.gnu.build-id"); sec != nil {
		data, err := sec.Data()
		if err == nil {
			if notes, err := parseNotes(data); err == nil {
				for _, n := range notes {
					if n.name == "GNU" {
						return hex.EncodeToString(n.desc), nil
					}
				}
			}
		}
	}

	// No GNU build ID note: hash .text, which typically holds the
	// executable code, as a stand-in identity.
	textSec := ef.Section(".text")
	if textSec == nil {
		return "", errors.New("no build id note and no .text section")
	}
	h := sha1.New()
	r := textSec.Open()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// parseNotes walks a buffer of Elf64_Nhdr entries (namesz, descsz, type,
// name padded to 4 bytes, desc padded to 4 bytes), as used both by
// /sys/kernel/notes and a binary's .note.gnu.build-id section.
func parseNotes(data []byte) ([]note, error) {
	var notes []note
	for len(data) >= 12 {
		nameSz := binary.LittleEndian.Uint32(data[0:4])
		descSz := binary.LittleEndian.Uint32(data[4:8])
		data = data[12:]

		nameEnd := align4(int(nameSz))
		if len(data) < nameEnd {
			return notes, fmt.Errorf("truncated note name")
		}
		name := ""
		if nameSz > 0 {
			name = string(data[:nameSz-1]) // drop NUL terminator
		}
		data = data[nameEnd:]

		descEnd := align4(int(descSz))
		if len(data) < descEnd {
			return notes, fmt.Errorf("truncated note desc")
		}
		desc := append([]byte(nil), data[:descSz]...)
		data = data[descEnd:]

		notes = append(notes, note{name: name, desc: desc})
	}
	return notes, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}
