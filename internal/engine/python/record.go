package python

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// Magic starts every record on the trace channel.
	Magic uint64 = 0x6d6574616c6c6775

	headerSize    = 16
	maxRecordSize = 64 * 1024
)

// Record is one executed line reported by the interpreter.
type Record struct {
	File string
	Line int
}

// Encode serializes r: magic, total record size and line number as
// big-endian integers followed by the NUL terminated path.
func Encode(r Record) []byte {
	size := headerSize + len(r.File) + 1
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint64(buf, Magic)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.Line))
	buf = append(buf, r.File...)

	return append(buf, 0)
}

// Decoder reads records from a byte stream. Garbage and damaged records
// are skipped by scanning forward to the next magic.
type Decoder struct {
	r       *bufio.Reader
	skipped int
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, maxRecordSize+headerSize)}
}

// Skipped returns how many bytes were discarded while resynchronizing.
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Next returns the next record. It returns io.EOF at a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a record.
func (d *Decoder) Next() (Record, error) {
	for {
		header, err := d.r.Peek(headerSize)
		if err != nil {
			return Record{}, endOfStream(err, len(header))
		}

		if binary.BigEndian.Uint64(header[:8]) != Magic {
			d.resync()
			continue
		}

		size := int(binary.BigEndian.Uint32(header[8:12]))
		line := int(binary.BigEndian.Uint32(header[12:16]))

		if size <= headerSize || size > maxRecordSize {
			d.resync()
			continue
		}

		record, err := d.r.Peek(size)
		if err != nil {
			return Record{}, endOfStream(err, len(record))
		}

		path := record[headerSize : size-1]
		if record[size-1] != 0 || bytes.IndexByte(path, 0) >= 0 {
			d.resync()
			continue
		}

		out := Record{File: string(path), Line: line}

		if _, err := d.r.Discard(size); err != nil {
			return Record{}, err
		}

		return out, nil
	}
}

func (d *Decoder) resync() {
	if n, _ := d.r.Discard(1); n > 0 {
		d.skipped += n
	}
}

func endOfStream(err error, buffered int) error {
	if errors.Is(err, io.EOF) {
		if buffered == 0 {
			return io.EOF
		}

		return io.ErrUnexpectedEOF
	}

	return err
}
