package navmesh

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const (
	magic         = "LNAV"
	formatVersion = uint16(1)
)

// ErrBadFormat is returned when decoding data that is not a navmesh artifact.
var ErrBadFormat = errors.New("navmesh: bad format")

// Marshal encodes m into the relocatable binary artifact.
func Marshal(m *Mesh) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an artifact produced by Marshal.
func Unmarshal(data []byte) (*Mesh, error) {
	return Decode(bytes.NewReader(data))
}

// Encode writes the artifact: a plain header followed by a zstd-compressed little-endian body.
func Encode(w io.Writer, m *Mesh) error {
	var hdr [6]byte
	copy(hdr[:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:], formatVersion)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing navmesh header: %w", err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	e := &encoder{w: bw}
	e.u64(m.Version)
	e.f64(m.Params.CellSize)
	e.f64(m.Params.CellHeight)
	e.f64(m.Params.TileSize)
	e.f64(m.Params.DoorwayCost)
	e.u32(uint32(len(m.Tiles)))
	for i := range m.Tiles {
		t := &m.Tiles[i]
		e.u32(uint32(t.X))
		e.u32(uint32(t.Z))
		e.u64(t.Hash)
		e.u32(uint32(len(t.cells)))
		for _, c := range t.cells {
			e.u32(uint32(c[0]))
			e.u32(uint32(c[1]))
		}
		e.u32(uint32(len(t.Polys)))
		for _, p := range t.Polys {
			e.u8(uint8(p.Area))
			e.u32(uint32(p.Instance))
			e.f64(p.Y)
			e.u8(uint8(len(p.Verts)))
			for _, v := range p.Verts {
				e.u16(v)
			}
			e.u16(uint16(len(p.Links)))
			for _, l := range p.Links {
				e.u8(l.Edge)
				e.u64(uint64(l.Ref))
				e.f64(l.Portal[0][0])
				e.f64(l.Portal[0][1])
				e.f64(l.Portal[1][0])
				e.f64(l.Portal[1][1])
			}
		}
	}
	if e.err == nil {
		e.err = bw.Flush()
	}
	if cerr := enc.Close(); e.err == nil {
		e.err = cerr
	}
	if e.err != nil {
		return fmt.Errorf("encoding navmesh: %w", e.err)
	}
	return nil
}

// Decode reads an artifact written by Encode.
//
// Postcondition: Returns ErrBadFormat (wrapped) for foreign or truncated data.
func Decode(r io.Reader) (*Mesh, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadFormat, err)
	}
	if string(hdr[:4]) != magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadFormat, hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:]); v != formatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrBadFormat, v)
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	d := &decoder{r: bufio.NewReaderSize(dec, 64*1024)}

	version := d.u64()
	params := Params{CellSize: d.f64(), CellHeight: d.f64(), TileSize: d.f64(), DoorwayCost: d.f64()}
	nt := d.count()
	tiles := make([]Tile, 0, nt)
	for i := 0; i < nt && d.err == nil; i++ {
		t := Tile{X: int32(d.u32()), Z: int32(d.u32()), Hash: d.u64()}
		nv := d.count()
		t.cells = make([][2]int32, 0, nv)
		for k := 0; k < nv && d.err == nil; k++ {
			t.cells = append(t.cells, [2]int32{int32(d.u32()), int32(d.u32())})
		}
		np := d.count()
		t.Polys = make([]Poly, 0, np)
		for k := 0; k < np && d.err == nil; k++ {
			p := Poly{Area: Area(d.u8()), Instance: int32(d.u32()), Y: d.f64()}
			pv := int(d.u8())
			p.Verts = make([]uint16, pv)
			for j := range p.Verts {
				p.Verts[j] = d.u16()
				if d.err == nil && int(p.Verts[j]) >= len(t.cells) {
					d.err = fmt.Errorf("polygon vertex %d out of range", p.Verts[j])
				}
			}
			nl := int(d.u16())
			if nl > 0 {
				p.Links = make([]Link, nl)
			}
			for j := range p.Links {
				p.Links[j].Edge = d.u8()
				p.Links[j].Ref = PolyRef(d.u64())
				p.Links[j].Portal[0][0] = d.f64()
				p.Links[j].Portal[0][1] = d.f64()
				p.Links[j].Portal[1][0] = d.f64()
				p.Links[j].Portal[1][1] = d.f64()
			}
			t.Polys = append(t.Polys, p)
		}
		tiles = append(tiles, t)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, d.err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	return newMesh(version, params, tiles), nil
}

// WriteFile writes the artifact to path, creating parent directories.
func WriteFile(path string, m *Mesh) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, m); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads an artifact from path.
func ReadFile(path string) (*Mesh, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

type encoder struct {
	w   *bufio.Writer
	buf [8]byte
	err error
}

func (e *encoder) put(n int) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(e.buf[:n])
}

func (e *encoder) u8(v uint8) {
	e.buf[0] = v
	e.put(1)
}

func (e *encoder) u16(v uint16) {
	binary.LittleEndian.PutUint16(e.buf[:], v)
	e.put(2)
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:], v)
	e.put(4)
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:], v)
	e.put(8)
}

func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }

type decoder struct {
	r   *bufio.Reader
	buf [8]byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return d.buf[:n:n]
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		d.err = err
		for i := range d.buf {
			d.buf[i] = 0
		}
	}
	return d.buf[:n]
}

func (d *decoder) u8() uint8   { return d.take(1)[0] }
func (d *decoder) u16() uint16 { return binary.LittleEndian.Uint16(d.take(2)) }
func (d *decoder) u32() uint32 { return binary.LittleEndian.Uint32(d.take(4)) }
func (d *decoder) u64() uint64 { return binary.LittleEndian.Uint64(d.take(8)) }
func (d *decoder) f64() float64 {
	return math.Float64frombits(d.u64())
}

// count reads a u32 length and rejects implausible values before allocating.
func (d *decoder) count() int {
	n := d.u32()
	if n > 1<<24 {
		if d.err == nil {
			d.err = fmt.Errorf("count %d too large", n)
		}
		return 0
	}
	return int(n)
}
