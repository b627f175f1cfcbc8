package debuginfo

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformedMapping is returned for /proc/<pid>/maps lines that cannot be parsed.
var ErrMalformedMapping = errors.New("malformed maps line")

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Executable reports whether the mapping is file backed and executable.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x' && strings.HasPrefix(m.Path, "/")
}

// ParseMapsLine parses a single maps line such as
// "55d0c0a00000-55d0c0a21000 r-xp 00000000 08:01 1234 /usr/bin/true".
func ParseMapsLine(line string) (Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, fmt.Errorf("%w: %q", ErrMalformedMapping, line)
	}

	bounds := strings.SplitN(fields[0], "-", 2)
	if len(bounds) != 2 {
		return Mapping{}, fmt.Errorf("%w: bad range %q", ErrMalformedMapping, fields[0])
	}

	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %w", ErrMalformedMapping, err)
	}

	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %w", ErrMalformedMapping, err)
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %w", ErrMalformedMapping, err)
	}

	mapping := Mapping{Start: start, End: end, Perms: fields[1], Offset: offset}
	if len(fields) >= 6 {
		mapping.Path = strings.Join(fields[5:], " ")
	}

	return mapping, nil
}

// ParseMaps parses a whole maps file. Any malformed line fails the parse.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		mapping, err := ParseMapsLine(line)
		if err != nil {
			return nil, err
		}

		mappings = append(mappings, mapping)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}

	return mappings, nil
}

// BaseMapping returns the lowest mapping of path, which is where the first
// PT_LOAD segment of the image was placed.
func BaseMapping(mappings []Mapping, path string) (Mapping, bool) {
	var (
		base  Mapping
		found bool
	)

	for _, mapping := range mappings {
		if mapping.Path != path {
			continue
		}

		if !found || mapping.Start < base.Start {
			base = mapping
			found = true
		}
	}

	return base, found
}

// LoadBias is the difference between runtime and link-time addresses of an
// image. Position dependent executables are never relocated.
func LoadBias(kind elf.Type, firstLoadVaddr, mappingStart, pageSize uint64) uint64 {
	if kind != elf.ET_DYN {
		return 0
	}

	return mappingStart - pageAlignDown(firstLoadVaddr, pageSize)
}

func pageAlignDown(addr, pageSize uint64) uint64 {
	if pageSize == 0 {
		return addr
	}

	return addr &^ (pageSize - 1)
}
