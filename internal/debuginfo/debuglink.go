package debuginfo

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"
)

// ErrMalformedDebugLink is returned when a .gnu_debuglink section cannot be parsed.
var ErrMalformedDebugLink = errors.New("malformed .gnu_debuglink section")

// ErrMalformedNote is returned when an ELF note cannot be parsed.
var ErrMalformedNote = errors.New("malformed ELF note")

const (
	debugLinkAlign = 4
	noteGNUBuildID = 3
)

// DebugLink is the content of a .gnu_debuglink section.
type DebugLink struct {
	Name  string
	CRC32 uint32
}

// ParseDebugLink decodes a .gnu_debuglink section: a NUL-terminated file
// name, zero padding up to the next 4-byte boundary and a CRC32 in the
// byte order of the ELF file.
func ParseDebugLink(data []byte, order binary.ByteOrder) (DebugLink, error) {
	end := bytes.IndexByte(data, 0)
	if end <= 0 {
		return DebugLink{}, fmt.Errorf("%w: missing file name", ErrMalformedDebugLink)
	}

	offset := alignUp(end+1, debugLinkAlign)
	if offset+4 > len(data) {
		return DebugLink{}, fmt.Errorf("%w: truncated checksum (name %d bytes, section %d bytes)",
			ErrMalformedDebugLink, end, len(data))
	}

	return DebugLink{
		Name:  string(data[:end]),
		CRC32: order.Uint32(data[offset : offset+4]),
	}, nil
}

// Matches reports whether content is the file the link refers to.
func (l DebugLink) Matches(content []byte) bool {
	return crc32.ChecksumIEEE(content) == l.CRC32
}

// DebugLinkCandidates lists where the separate debug file of binaryPath may
// live, in lookup order.
func DebugLinkCandidates(binaryPath, name, debugRoot string) []string {
	dir := filepath.Dir(binaryPath)

	return []string{
		filepath.Join(dir, name),
		filepath.Join(dir, ".debug", name),
		filepath.Join(debugRoot, dir, name),
	}
}

// BuildIDPath returns the conventional location of the debug file for a
// build id below debugRoot.
func BuildIDPath(debugRoot string, id []byte) string {
	if len(id) < 2 {
		return ""
	}

	encoded := hex.EncodeToString(id)

	return filepath.Join(debugRoot, ".build-id", encoded[:2], encoded[2:]+".debug")
}

// ParseBuildID extracts the GNU build id from the bytes of a note section.
// It returns nil when the section holds no build id note.
func ParseBuildID(data []byte, order binary.ByteOrder) ([]byte, error) {
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, fmt.Errorf("%w: short header", ErrMalformedNote)
		}

		nameSize := int(order.Uint32(data[0:4]))
		descSize := int(order.Uint32(data[4:8]))
		noteType := order.Uint32(data[8:12])

		nameEnd := 12 + alignUp(nameSize, 4)
		descEnd := nameEnd + alignUp(descSize, 4)

		if nameSize < 0 || descSize < 0 || descEnd > len(data) || nameEnd+descSize > len(data) {
			return nil, fmt.Errorf("%w: sizes exceed section", ErrMalformedNote)
		}

		name := data[12 : 12+nameSize]
		if noteType == noteGNUBuildID && bytes.Equal(bytes.TrimRight(name, "\x00"), []byte("GNU")) {
			return append([]byte(nil), data[nameEnd:nameEnd+descSize]...), nil
		}

		data = data[descEnd:]
	}

	return nil, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
