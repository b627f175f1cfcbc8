// Package debuginfo maps machine addresses of ELF images to source lines.
package debuginfo

import (
	"bytes"
	"crypto/sha256"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultDebugRoot is where distributions install separate debug files.
const DefaultDebugRoot = "/usr/lib/debug"

var missingLinesLogLimiter = rate.NewLimiter(rate.Every(time.Minute), 10)

// LineAddr is a statement entry address and the source line it starts.
type LineAddr struct {
	Addr uint64
	File string
	Line int
}

// Range is a half-open link-time address range.
type Range struct {
	Start uint64
	End   uint64
}

// Contains reports whether addr lies inside r.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Image is a resolved ELF file.
type Image struct {
	Path      string
	Type      elf.Type
	Machine   elf.Machine
	FirstLoad uint64
	Interp    string
	Checksum  string
	Exec      []Range
	Lines     []LineAddr
	Symbols   map[string]uint64
}

// Executable reports whether addr falls into an executable segment.
func (img *Image) Executable(addr uint64) bool {
	for _, r := range img.Exec {
		if r.Contains(addr) {
			return true
		}
	}

	return false
}

// Resolver turns ELF files into Images.
type Resolver interface {
	Resolve(path string) (*Image, error)
}

type resolverImpl struct {
	debugRoot string

	mu    sync.Mutex
	cache map[string]*Image
}

// NewResolver creates a Resolver that looks for separate debug files below
// debugRoot. Images are cached per path and content checksum.
func NewResolver(debugRoot string) Resolver {
	if debugRoot == "" {
		debugRoot = DefaultDebugRoot
	}

	return &resolverImpl{
		debugRoot: debugRoot,
		cache:     make(map[string]*Image),
	}
}

// Resolve implements Resolver.
func (r *resolverImpl) Resolve(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	checksum := fmt.Sprintf("%x", sha256.Sum256(data))
	key := path + "@" + checksum

	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()

	if ok {
		return cached, nil
	}

	img, err := r.parse(path, data)
	if err != nil {
		return nil, err
	}

	img.Checksum = checksum

	r.mu.Lock()
	r.cache[key] = img
	r.mu.Unlock()

	return img, nil
}

func (r *resolverImpl) parse(path string, data []byte) (*Image, error) {
	file, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF %s: %w", path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	img := &Image{
		Path:    path,
		Type:    file.Type,
		Machine: file.Machine,
		Symbols: functionSymbols(file),
	}

	firstLoad := true

	for _, prog := range file.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if firstLoad || prog.Vaddr < img.FirstLoad {
				img.FirstLoad = prog.Vaddr
				firstLoad = false
			}

			if prog.Flags&elf.PF_X != 0 {
				img.Exec = append(img.Exec, Range{Start: prog.Vaddr, End: prog.Vaddr + prog.Memsz})
			}
		case elf.PT_INTERP:
			interp, err := io.ReadAll(prog.Open())
			if err == nil {
				img.Interp = strings.TrimRight(string(interp), "\x00")
			}
		default:
		}
	}

	lines, err := r.lines(path, file)
	if err != nil {
		if missingLinesLogLimiter.Allow() {
			slog.Warn("no line information", "path", path, "error", err)
		}

		return img, nil
	}

	img.Lines = lines

	return img, nil
}

// ErrNoLineData is returned when neither the image nor any separate debug
// file carries usable DWARF line tables.
var ErrNoLineData = errors.New("no DWARF line data")

func (r *resolverImpl) lines(path string, file *elf.File) ([]LineAddr, error) {
	var errs []error

	if data, err := file.DWARF(); err == nil {
		lines, err := StatementEntries(data)
		if err == nil && len(lines) > 0 {
			return lines, nil
		}

		if err != nil {
			errs = append(errs, err)
		}
	}

	lines, err := r.buildIDLines(file)
	if err == nil {
		return lines, nil
	}

	errs = append(errs, err)

	lines, err = r.debugLinkLines(path, file)
	if err == nil {
		return lines, nil
	}

	errs = append(errs, err)

	return nil, fmt.Errorf("%w: %w", ErrNoLineData, errors.Join(errs...))
}

func (r *resolverImpl) buildIDLines(file *elf.File) ([]LineAddr, error) {
	section := file.Section(".note.gnu.build-id")
	if section == nil {
		return nil, errors.New("no build id note")
	}

	data, err := section.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read build id note: %w", err)
	}

	id, err := ParseBuildID(data, file.ByteOrder)
	if err != nil {
		return nil, err
	}

	candidate := BuildIDPath(r.debugRoot, id)
	if candidate == "" {
		return nil, errors.New("empty build id")
	}

	content, err := os.ReadFile(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", candidate, err)
	}

	return linesFromContent(content)
}

func (r *resolverImpl) debugLinkLines(path string, file *elf.File) ([]LineAddr, error) {
	section := file.Section(".gnu_debuglink")
	if section == nil {
		return nil, errors.New("no .gnu_debuglink section")
	}

	data, err := section.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read .gnu_debuglink: %w", err)
	}

	link, err := ParseDebugLink(data, file.ByteOrder)
	if err != nil {
		return nil, err
	}

	for _, candidate := range DebugLinkCandidates(path, link.Name, r.debugRoot) {
		content, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}

		if !link.Matches(content) {
			slog.Warn("debug link checksum mismatch", "path", path, "candidate", candidate)
			continue
		}

		return linesFromContent(content)
	}

	return nil, fmt.Errorf("no matching debug file for %s", link.Name)
}

func linesFromContent(content []byte) ([]LineAddr, error) {
	file, err := elf.NewFile(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse debug file: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	data, err := file.DWARF()
	if err != nil {
		return nil, fmt.Errorf("failed to load DWARF: %w", err)
	}

	return StatementEntries(data)
}

// StatementEntries walks every line table in data and returns the addresses
// where a new source line starts: rows flagged as statements whose
// (file, line) differs from the previous row of the same sequence.
func StatementEntries(data *dwarf.Data) ([]LineAddr, error) {
	var out []LineAddr

	reader := data.Reader()

	for {
		unit, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read compile unit: %w", err)
		}

		if unit == nil {
			break
		}

		if unit.Tag != dwarf.TagCompileUnit {
			reader.SkipChildren()
			continue
		}

		reader.SkipChildren()

		lineReader, err := data.LineReader(unit)
		if err != nil {
			return nil, fmt.Errorf("failed to read line table: %w", err)
		}

		if lineReader == nil {
			continue
		}

		compDir, _ := unit.Val(dwarf.AttrCompDir).(string)

		entries, err := sequenceEntries(lineReader, compDir)
		if err != nil {
			return nil, err
		}

		out = append(out, entries...)
	}

	return out, nil
}

func sequenceEntries(lineReader *dwarf.LineReader, compDir string) ([]LineAddr, error) {
	var (
		out      []LineAddr
		entry    dwarf.LineEntry
		prevFile string
		prevLine int
	)

	for {
		if err := lineReader.Next(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}

			return nil, fmt.Errorf("failed to read line entry: %w", err)
		}

		if entry.EndSequence {
			prevFile, prevLine = "", 0
			continue
		}

		if !entry.IsStmt || entry.File == nil || entry.Line <= 0 {
			continue
		}

		name := entry.File.Name
		if !filepath.IsAbs(name) && compDir != "" {
			name = filepath.Join(compDir, name)
		}

		name = filepath.Clean(name)

		if name == prevFile && entry.Line == prevLine {
			continue
		}

		prevFile, prevLine = name, entry.Line
		out = append(out, LineAddr{Addr: entry.Address, File: name, Line: entry.Line})
	}
}

func functionSymbols(file *elf.File) map[string]uint64 {
	out := make(map[string]uint64)

	add := func(symbols []elf.Symbol) {
		for _, symbol := range symbols {
			if elf.ST_TYPE(symbol.Info) == elf.STT_FUNC && symbol.Value != 0 {
				out[symbol.Name] = symbol.Value
			}
		}
	}

	if symbols, err := file.Symbols(); err == nil {
		add(symbols)
	}

	if symbols, err := file.DynamicSymbols(); err == nil {
		add(symbols)
	}

	return out
}
