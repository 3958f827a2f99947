// Package navmesh builds and queries the tiled navigation mesh agents walk on.
package navmesh

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/cory-johannsen/levelsim/internal/geom"
)

// Area tags a polygon for traversal cost; every area is walkable.
type Area uint8

const (
	// AreaFloor is ordinary room floor.
	AreaFloor Area = 1
	// AreaDoorway marks polygons built from doorway triangles.
	AreaDoorway Area = 2
)

// String returns the area name.
func (a Area) String() string {
	switch a {
	case AreaFloor:
		return "floor"
	case AreaDoorway:
		return "doorway"
	default:
		return fmt.Sprintf("area(%d)", uint8(a))
	}
}

// PolyRef addresses a polygon as (tile index, polygon index) within one mesh version.
type PolyRef uint64

// InvalidRef is never a valid polygon.
const InvalidRef PolyRef = math.MaxUint64

// MakeRef packs a tile and polygon index.
func MakeRef(tile, poly int) PolyRef {
	return PolyRef(uint64(uint32(tile))<<32 | uint64(uint32(poly)))
}

// Tile returns the tile index.
func (r PolyRef) Tile() int { return int(uint32(r >> 32)) }

// Poly returns the polygon index within the tile.
func (r PolyRef) Poly() int { return int(uint32(r)) }

// Link connects a polygon edge to a neighbouring polygon. Portal is the shared stretch of the
// edge in the owning polygon's winding order.
type Link struct {
	Edge   uint8
	Ref    PolyRef
	Portal [2]mgl64.Vec2
}

// Poly is a convex counter-clockwise navigation polygon.
type Poly struct {
	// Verts indexes Tile.Verts.
	Verts []uint16
	Area  Area
	// Instance is the gmId of the level instance the polygon came from.
	Instance int32
	// Y is the quantised floor height.
	Y     float64
	Links []Link
}

// Tile is one square cell of the tile grid.
type Tile struct {
	X, Z int32
	// Hash identifies the tile's input geometry; equal hashes mean identical tiles.
	Hash uint64
	// Verts are world XZ positions on the cell grid.
	Verts []mgl64.Vec2
	Polys []Poly

	cells [][2]int32
}

// Params are the fixed build parameters a mesh was made with.
type Params struct {
	CellSize    float64
	CellHeight  float64
	TileSize    float64
	DoorwayCost float64
}

// Validate checks the parameters.
func (p Params) Validate() error {
	var errs []error
	if p.CellSize <= 0 {
		errs = append(errs, errors.New("cell size must be positive"))
	}
	if p.CellHeight <= 0 {
		errs = append(errs, errors.New("cell height must be positive"))
	}
	if p.TileSize < p.CellSize {
		errs = append(errs, errors.New("tile size must be at least one cell"))
	}
	if p.DoorwayCost < 1 {
		errs = append(errs, errors.New("doorway cost must be >= 1"))
	}
	return errors.Join(errs...)
}

// Mesh is an immutable versioned navigation mesh.
type Mesh struct {
	Version uint64
	Params  Params
	Tiles   []Tile

	index map[[2]int32]int
}

func newMesh(version uint64, params Params, tiles []Tile) *Mesh {
	m := &Mesh{Version: version, Params: params, Tiles: tiles}
	m.reindex()
	return m
}

func (m *Mesh) reindex() {
	m.index = make(map[[2]int32]int, len(m.Tiles))
	for i := range m.Tiles {
		t := &m.Tiles[i]
		m.index[[2]int32{t.X, t.Z}] = i
		t.Verts = make([]mgl64.Vec2, len(t.cells))
		for k, c := range t.cells {
			t.Verts[k] = mgl64.Vec2{float64(c[0]) * m.Params.CellSize, float64(c[1]) * m.Params.CellSize}
		}
	}
}

// PolyCount returns the total number of polygons.
func (m *Mesh) PolyCount() int {
	n := 0
	for i := range m.Tiles {
		n += len(m.Tiles[i].Polys)
	}
	return n
}

// Poly returns the polygon addressed by ref.
//
// Postcondition: Returns (nil, nil, false) for a ref outside this mesh.
func (m *Mesh) Poly(ref PolyRef) (*Tile, *Poly, bool) {
	if ref == InvalidRef {
		return nil, nil, false
	}
	ti, pi := ref.Tile(), ref.Poly()
	if ti < 0 || ti >= len(m.Tiles) {
		return nil, nil, false
	}
	t := &m.Tiles[ti]
	if pi < 0 || pi >= len(t.Polys) {
		return nil, nil, false
	}
	return t, &t.Polys[pi], true
}

// Outline returns the world-space outline of ref.
func (m *Mesh) Outline(ref PolyRef) geom.Poly {
	t, p, ok := m.Poly(ref)
	if !ok {
		return nil
	}
	out := make(geom.Poly, len(p.Verts))
	for i, vi := range p.Verts {
		out[i] = t.Verts[vi]
	}
	return out
}

// Tile returns the tile at grid coordinate (x, z).
func (m *Mesh) Tile(x, z int32) (*Tile, bool) {
	i, ok := m.index[[2]int32{x, z}]
	if !ok {
		return nil, false
	}
	return &m.Tiles[i], true
}

// tileCoord returns the tile containing world point p.
func (m *Mesh) tileCoord(p mgl64.Vec2) [2]int32 {
	w := m.Params.tileWorld()
	return [2]int32{int32(math.Floor(p[0] / w)), int32(math.Floor(p[1] / w))}
}

// Cost returns the traversal multiplier for an area.
func (m *Mesh) Cost(a Area) float64 {
	if a == AreaDoorway {
		return m.Params.DoorwayCost
	}
	return 1
}
