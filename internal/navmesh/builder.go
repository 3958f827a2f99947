package navmesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cory-johannsen/levelsim/internal/geom"
	"github.com/cory-johannsen/levelsim/internal/level"
)

// ErrBuildFailed is wrapped by every BuildError.
var ErrBuildFailed = errors.New("navmesh build failed")

// BuildError names the instance and the reason a build was rejected.
type BuildError struct {
	Instance int
	Reason   string
}

func (e *BuildError) Error() string {
	if e.Instance < 0 {
		return fmt.Sprintf("%s: %s", ErrBuildFailed, e.Reason)
	}
	return fmt.Sprintf("%s: instance %d: %s", ErrBuildFailed, e.Instance, e.Reason)
}

// Unwrap returns ErrBuildFailed.
func (e *BuildError) Unwrap() error { return ErrBuildFailed }

// MaxVertsPerPoly bounds polygon size after merging.
const MaxVertsPerPoly = 6

// InstanceFloor is the triangulated walkable floor of one level instance in template space.
// Triangles at index DoorwayStart and later are doorway triangles.
type InstanceFloor struct {
	GmID         int
	Vertices     []mgl64.Vec2
	Triangles    [][3]int
	DoorwayStart int
	Transform    geom.Transform
	Elevation    float64
}

// BuildInput is everything one build consumes.
type BuildInput struct {
	Instances []InstanceFloor
}

// FloorOf extracts the build input of a placed level instance.
func FloorOf(inst *level.Instance) (InstanceFloor, error) {
	verts, tris, doorwayStart, err := inst.Floor()
	if err != nil {
		return InstanceFloor{}, err
	}
	return InstanceFloor{
		GmID:         inst.ID,
		Vertices:     verts,
		Triangles:    tris,
		DoorwayStart: doorwayStart,
		Transform:    inst.Transform,
		Elevation:    inst.Elevation,
	}, nil
}

// InputOf extracts the build input of every instance of lvl.
func InputOf(lvl *level.Level) (BuildInput, error) {
	var in BuildInput
	for _, inst := range lvl.Instances() {
		f, err := FloorOf(inst)
		if err != nil {
			return BuildInput{}, &BuildError{Instance: inst.ID, Reason: err.Error()}
		}
		in.Instances = append(in.Instances, f)
	}
	return in, nil
}

// BuildStats summarises one build.
type BuildStats struct {
	Tiles       int
	TilesBuilt  int
	TilesReused int
	Polys       int
	Dropped     int
}

type rawPoly struct {
	cells [][2]int32
	area  Area
	inst  int32
	y     float64
}

type cachedTile struct {
	hash  uint64
	cells [][2]int32
	polys []Poly
}

// Builder turns floors into tiled meshes and keeps a tile cache between builds.
// A Builder is owned by one goroutine.
type Builder struct {
	params Params
	cache  map[[2]int32]cachedTile
	logger *zap.Logger
}

// NewBuilder creates a Builder.
//
// Precondition: logger must not be nil.
// Postcondition: Returns an error when params are invalid.
func NewBuilder(params Params, logger *zap.Logger) (*Builder, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("navmesh params: %w", err)
	}
	return &Builder{
		params: params,
		cache:  make(map[[2]int32]cachedTile),
		logger: logger,
	}, nil
}

// Params returns the builder's parameters.
func (b *Builder) Params() Params {
	return b.params
}

// Build produces a mesh tagged with version.
//
// Postcondition: On failure returns a *BuildError and no mesh; the tile cache is left unchanged.
func (b *Builder) Build(version uint64, in BuildInput) (*Mesh, BuildStats, error) {
	var stats BuildStats
	if len(in.Instances) == 0 {
		return nil, stats, &BuildError{Instance: -1, Reason: "no instances"}
	}
	tileCells := float64(b.params.tileCells())
	buckets := make(map[[2]int32][]rawPoly)

	for _, f := range in.Instances {
		dropped, err := b.rasterize(f, tileCells, buckets)
		if err != nil {
			return nil, stats, err
		}
		stats.Dropped += dropped
	}
	if len(buckets) == 0 {
		return nil, stats, &BuildError{Instance: -1, Reason: "no walkable polygons"}
	}

	coords := make([][2]int32, 0, len(buckets))
	for c := range buckets {
		coords = append(coords, c)
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i][1] != coords[j][1] {
			return coords[i][1] < coords[j][1]
		}
		return coords[i][0] < coords[j][0]
	})

	tiles := make([]Tile, 0, len(coords))
	next := make(map[[2]int32]cachedTile, len(coords))
	for _, c := range coords {
		raws := buckets[c]
		h := hashRaw(raws)
		ct, ok := b.cache[c]
		if ok && ct.hash == h {
			stats.TilesReused++
		} else {
			var err error
			ct, err = buildTile(raws, h)
			if err != nil {
				return nil, stats, &BuildError{Instance: -1, Reason: fmt.Sprintf("tile %d,%d: %v", c[0], c[1], err)}
			}
			stats.TilesBuilt++
		}
		next[c] = ct
		polys := make([]Poly, len(ct.polys))
		copy(polys, ct.polys)
		tiles = append(tiles, Tile{X: c[0], Z: c[1], Hash: ct.hash, Polys: polys, cells: ct.cells})
	}
	b.cache = next

	linkTiles(tiles, b.params.CellSize)
	mesh := newMesh(version, b.params, tiles)
	stats.Tiles = len(tiles)
	stats.Polys = mesh.PolyCount()
	b.logger.Debug("navmesh built",
		zap.Uint64("version", version),
		zap.Int("tiles", stats.Tiles),
		zap.Int("built", stats.TilesBuilt),
		zap.Int("reused", stats.TilesReused),
		zap.Int("polys", stats.Polys),
		zap.Int("dropped", stats.Dropped),
	)
	return mesh, stats, nil
}

// ResetCache forgets every cached tile.
func (b *Builder) ResetCache() {
	b.cache = make(map[[2]int32]cachedTile)
}

// rasterize quantises the instance's triangles to the cell grid and clips them into tile buckets.
func (b *Builder) rasterize(f InstanceFloor, tileCells float64, buckets map[[2]int32][]rawPoly) (int, error) {
	if len(f.Triangles) == 0 {
		return 0, &BuildError{Instance: f.GmID, Reason: "no triangles"}
	}
	if f.DoorwayStart < 0 || f.DoorwayStart > len(f.Triangles) {
		return 0, &BuildError{Instance: f.GmID, Reason: fmt.Sprintf("doorway start %d outside [0,%d]", f.DoorwayStart, len(f.Triangles))}
	}
	cells := make([]mgl64.Vec2, len(f.Vertices))
	for i, v := range f.Vertices {
		if !geom.Finite(v) {
			return 0, &BuildError{Instance: f.GmID, Reason: fmt.Sprintf("vertex %d is not finite", i)}
		}
		w := f.Transform.Apply(v)
		cells[i] = mgl64.Vec2{math.Round(w[0] / b.params.CellSize), math.Round(w[1] / b.params.CellSize)}
	}
	y := math.Round(f.Elevation/b.params.CellHeight) * b.params.CellHeight
	flip := f.Transform.Reflects()

	dropped := 0
	for ti, tri := range f.Triangles {
		for _, vi := range tri {
			if vi < 0 || vi >= len(cells) {
				return 0, &BuildError{Instance: f.GmID, Reason: fmt.Sprintf("triangle %d references vertex %d", ti, vi)}
			}
		}
		i0, i1, i2 := tri[0], tri[1], tri[2]
		if flip {
			i1, i2 = i2, i1
		}
		poly := geom.Poly{cells[i0], cells[i1], cells[i2]}
		if geom.Orient(poly[0], poly[1], poly[2]) <= 0 {
			dropped++
			continue
		}
		area := AreaFloor
		if ti >= f.DoorwayStart {
			area = AreaDoorway
		}
		bounds := poly.Bounds()
		x0, x1 := int32(math.Floor(bounds.Min[0]/tileCells)), int32(math.Floor(bounds.Max[0]/tileCells))
		z0, z1 := int32(math.Floor(bounds.Min[1]/tileCells)), int32(math.Floor(bounds.Max[1]/tileCells))
		for tz := z0; tz <= z1; tz++ {
			for tx := x0; tx <= x1; tx++ {
				rect := geom.Rect{
					Min: mgl64.Vec2{float64(tx) * tileCells, float64(tz) * tileCells},
					Max: mgl64.Vec2{float64(tx+1) * tileCells, float64(tz+1) * tileCells},
				}
				q := quantize(geom.ClipToRect(poly, rect))
				if q == nil {
					continue
				}
				c := [2]int32{tx, tz}
				buckets[c] = append(buckets[c], rawPoly{cells: q, area: area, inst: int32(f.GmID), y: y})
			}
		}
	}
	if dropped == len(f.Triangles) {
		return dropped, &BuildError{Instance: f.GmID, Reason: "every triangle is degenerate"}
	}
	return dropped, nil
}

// quantize rounds a clipped polygon to whole cells and drops repeated vertices.
//
// Postcondition: Returns nil when fewer than 3 distinct vertices or no area remain.
func quantize(p geom.Poly) [][2]int32 {
	if len(p) < 3 {
		return nil
	}
	out := make([][2]int32, 0, len(p))
	for _, v := range p {
		c := [2]int32{int32(math.Round(v[0])), int32(math.Round(v[1]))}
		if len(out) > 0 && out[len(out)-1] == c {
			continue
		}
		out = append(out, c)
	}
	for len(out) > 1 && out[0] == out[len(out)-1] {
		out = out[:len(out)-1]
	}
	if len(out) < 3 || areaInt(out) <= 0 {
		return nil
	}
	return out
}

func hashRaw(raws []rawPoly) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, r := range raws {
		buf[0] = byte(r.area)
		binary.LittleEndian.PutUint32(buf[1:5], uint32(r.inst))
		_, _ = d.Write(buf[:5])
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(r.y))
		_, _ = d.Write(buf[:])
		for _, c := range r.cells {
			binary.LittleEndian.PutUint32(buf[0:4], uint32(c[0]))
			binary.LittleEndian.PutUint32(buf[4:8], uint32(c[1]))
			_, _ = d.Write(buf[:])
		}
		_, _ = d.Write([]byte{0xff})
	}
	return d.Sum64()
}

// buildTile welds vertices and merges polygons into larger convex ones.
func buildTile(raws []rawPoly, hash uint64) (cachedTile, error) {
	weld := make(map[[2]int32]uint16)
	var cells [][2]int32
	polys := make([]Poly, 0, len(raws))
	for _, r := range raws {
		idx := make([]uint16, len(r.cells))
		for i, c := range r.cells {
			vi, ok := weld[c]
			if !ok {
				if len(cells) > math.MaxUint16 {
					return cachedTile{}, errors.New("too many vertices")
				}
				vi = uint16(len(cells))
				weld[c] = vi
				cells = append(cells, c)
			}
			idx[i] = vi
		}
		polys = append(polys, Poly{Verts: idx, Area: r.area, Instance: r.inst, Y: r.y})
	}
	polys = mergePolys(polys, cells)
	return cachedTile{hash: hash, cells: cells, polys: polys}, nil
}

// mergePolys repeatedly joins the pair of compatible polygons with the longest shared edge
// while the result stays convex and within MaxVertsPerPoly.
func mergePolys(polys []Poly, cells [][2]int32) []Poly {
	for {
		bestLen := int64(-1)
		var bi, bj, bea, beb int
		for i := 0; i < len(polys); i++ {
			for j := i + 1; j < len(polys); j++ {
				a, b := polys[i], polys[j]
				if a.Area != b.Area || a.Instance != b.Instance || a.Y != b.Y {
					continue
				}
				if len(a.Verts)+len(b.Verts)-2 > MaxVertsPerPoly {
					continue
				}
				ea, eb, ok := sharedEdge(a.Verts, b.Verts)
				if !ok {
					continue
				}
				merged := joinVerts(a.Verts, b.Verts, ea, eb)
				if !convexInt(merged, cells) {
					continue
				}
				p, q := cells[a.Verts[ea]], cells[a.Verts[(ea+1)%len(a.Verts)]]
				l := sq(int64(q[0]-p[0])) + sq(int64(q[1]-p[1]))
				if l > bestLen {
					bestLen, bi, bj, bea, beb = l, i, j, ea, eb
				}
			}
		}
		if bestLen < 0 {
			return polys
		}
		polys[bi].Verts = joinVerts(polys[bi].Verts, polys[bj].Verts, bea, beb)
		polys = append(polys[:bj], polys[bj+1:]...)
	}
}

// sharedEdge finds edge a[ea]->a[ea+1] equal to b[eb+1]->b[eb].
func sharedEdge(a, b []uint16) (int, int, bool) {
	for i := range a {
		a0, a1 := a[i], a[(i+1)%len(a)]
		for j := range b {
			b0, b1 := b[j], b[(j+1)%len(b)]
			if a0 == b1 && a1 == b0 {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

func joinVerts(a, b []uint16, ea, eb int) []uint16 {
	out := make([]uint16, 0, len(a)+len(b)-2)
	for i := 0; i < len(a)-1; i++ {
		out = append(out, a[(ea+1+i)%len(a)])
	}
	for i := 0; i < len(b)-1; i++ {
		out = append(out, b[(eb+1+i)%len(b)])
	}
	return out
}

func convexInt(idx []uint16, cells [][2]int32) bool {
	n := len(idx)
	for i := 0; i < n; i++ {
		if orientInt(cells[idx[i]], cells[idx[(i+1)%n]], cells[idx[(i+2)%n]]) < 0 {
			return false
		}
	}
	return true
}

func orientInt(a, b, c [2]int32) int64 {
	return int64(b[0]-a[0])*int64(c[1]-a[1]) - int64(b[1]-a[1])*int64(c[0]-a[0])
}

func areaInt(p [][2]int32) int64 {
	var s int64
	for i := range p {
		j := (i + 1) % len(p)
		s += int64(p[i][0])*int64(p[j][1]) - int64(p[j][0])*int64(p[i][1])
	}
	return s
}

func sq(v int64) int64 { return v * v }

// tileCells returns the tile edge length in whole cells.
func (p Params) tileCells() int32 {
	n := int32(math.Round(p.TileSize / p.CellSize))
	if n < 1 {
		n = 1
	}
	return n
}

// tileWorld returns the tile edge length in world units.
func (p Params) tileWorld() float64 {
	return float64(p.tileCells()) * p.CellSize
}
