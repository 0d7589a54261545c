package bundle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/ivlev/animaldetect/internal/faults"
)

const (
	// FormatVersion is the only header version this package reads and writes.
	FormatVersion uint32 = 1
	// Ext is the file extension of model bundles.
	Ext = ".bq"

	// format_version + metadata_length
	preambleSize = 8
	// payload_length
	payloadPrefixSize = 8
)

var order = binary.LittleEndian

// Export serialises meta and graph into bundle bytes.
func Export(meta Metadata, graph []byte) ([]byte, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("export %s: %w", meta.Name, err)
	}

	header := encodeMetadata(meta)
	buf := bytes.NewBuffer(make([]byte, 0, preambleSize+len(header)+payloadPrefixSize+len(graph)))

	var scratch [8]byte
	order.PutUint32(scratch[:4], FormatVersion)
	buf.Write(scratch[:4])
	order.PutUint32(scratch[:4], uint32(len(header)))
	buf.Write(scratch[:4])
	buf.Write(header)
	order.PutUint64(scratch[:], uint64(len(graph)))
	buf.Write(scratch[:])
	buf.Write(graph)

	return buf.Bytes(), nil
}

// WriteFile exports a bundle to path through a temporary file so readers never
// observe a partially written bundle.
func WriteFile(path string, meta Metadata, graph []byte) error {
	data, err := Export(meta, graph)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Import reads a bundle file and returns its metadata and the model graph bytes.
func Import(path string) (Metadata, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Metadata{}, nil, err
	}

	meta, graph, err := Decode(f, fi.Size())
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("import %s: %w", path, err)
	}
	return meta, graph, nil
}

// ReadMetadata validates the bundle header and payload length of path without
// loading the graph.
func ReadMetadata(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Metadata{}, err
	}

	meta, _, err := decodeHeader(f, fi.Size())
	if err != nil {
		return Metadata{}, fmt.Errorf("read %s: %w", path, err)
	}
	return meta, nil
}

// Decode parses a bundle of exactly size bytes from r. Every structural problem
// is reported as faults.ErrCorruptBundle.
func Decode(r io.Reader, size int64) (Metadata, []byte, error) {
	meta, payloadLen, err := decodeHeader(r, size)
	if err != nil {
		return Metadata{}, nil, err
	}

	graph := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, graph); err != nil {
		return Metadata{}, nil, corrupt("payload truncated: %v", err)
	}
	return meta, graph, nil
}

func decodeHeader(r io.Reader, size int64) (Metadata, int64, error) {
	if size < preambleSize+payloadPrefixSize {
		return Metadata{}, 0, corrupt("file of %d bytes is shorter than the bundle header", size)
	}

	var preamble [preambleSize]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return Metadata{}, 0, corrupt("reading preamble: %v", err)
	}
	if v := order.Uint32(preamble[:4]); v != FormatVersion {
		return Metadata{}, 0, corrupt("unsupported format version %d", v)
	}

	metaLen := int64(order.Uint32(preamble[4:]))
	if preambleSize+metaLen+payloadPrefixSize > size {
		return Metadata{}, 0, corrupt("metadata length %d exceeds file size %d", metaLen, size)
	}

	header := make([]byte, metaLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Metadata{}, 0, corrupt("reading metadata: %v", err)
	}
	meta, err := decodeMetadata(header)
	if err != nil {
		return Metadata{}, 0, err
	}

	var prefix [payloadPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Metadata{}, 0, corrupt("reading payload length: %v", err)
	}
	payloadLen := order.Uint64(prefix[:])
	remaining := size - preambleSize - metaLen - payloadPrefixSize
	if payloadLen != uint64(remaining) {
		return Metadata{}, 0, corrupt("payload length %d does not match remaining %d bytes", payloadLen, remaining)
	}

	return meta, remaining, nil
}

func corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", faults.ErrCorruptBundle, fmt.Sprintf(format, args...))
}

func encodeMetadata(m Metadata) []byte {
	var w writer
	w.string(m.Name)
	w.string(m.Description)
	w.f32(m.Version)
	w.u32(uint32(len(m.Classes)))
	for _, c := range m.Classes {
		w.string(c)
	}
	w.u32(m.InputWidth)
	w.u32(m.InputHeight)
	w.f32(m.ConfThreshold)
	w.f32(m.NMSThreshold)
	w.u32(m.NumClasses)
	w.u32(m.NumMasks)
	w.buf.WriteByte(byte(m.Task))
	return w.buf.Bytes()
}

func decodeMetadata(b []byte) (Metadata, error) {
	r := reader{b: b}
	var m Metadata

	m.Name = r.string()
	m.Description = r.string()
	m.Version = r.f32()
	count := r.u32()
	// every label costs at least its 4-byte length prefix
	if r.err == nil && uint64(count)*4 > uint64(len(r.b)-r.off) {
		return Metadata{}, corrupt("class count %d exceeds metadata size", count)
	}
	if count > 0 {
		m.Classes = make([]string, 0, count)
	}
	for i := uint32(0); i < count && r.err == nil; i++ {
		m.Classes = append(m.Classes, r.string())
	}
	m.InputWidth = r.u32()
	m.InputHeight = r.u32()
	m.ConfThreshold = r.f32()
	m.NMSThreshold = r.f32()
	m.NumClasses = r.u32()
	m.NumMasks = r.u32()
	m.Task = Task(r.u8())

	if r.err != nil {
		return Metadata{}, corrupt("metadata: %v", r.err)
	}
	if r.off != len(r.b) {
		return Metadata{}, corrupt("metadata has %d trailing bytes", len(r.b)-r.off)
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, corrupt("metadata: %v", err)
	}
	return m, nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	order.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *writer) string(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

// reader records the first short read and returns zero values afterwards.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b)-r.off {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return order.Uint32(b)
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) string() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(r.b)-r.off) {
		r.err = fmt.Errorf("string of %d bytes at offset %d overruns metadata", n, r.off)
		return ""
	}
	return string(r.take(int(n)))
}
