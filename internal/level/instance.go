package level

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/cory-johannsen/levelsim/internal/geom"
)

// RoomRef addresses a room within a level instance.
type RoomRef struct {
	GmID   int `json:"gm"`
	RoomID int `json:"room"`
}

// String returns "g{gm}r{room}".
func (r RoomRef) String() string {
	return fmt.Sprintf("g%dr%d", r.GmID, r.RoomID)
}

// DoorRef addresses a door within a level instance.
type DoorRef struct {
	GmID   int `json:"gm"`
	DoorID int `json:"door"`
}

// Key returns the canonical door key "g{gm}d{door}" matched by access patterns.
func (d DoorRef) Key() string {
	return fmt.Sprintf("g%dd%d", d.GmID, d.DoorID)
}

// ParseDoorKey parses a canonical door key.
//
// Postcondition: Returns the DoorRef or an error when key is malformed.
func ParseDoorKey(key string) (DoorRef, error) {
	var d DoorRef
	if _, err := fmt.Sscanf(key, "g%dd%d", &d.GmID, &d.DoorID); err != nil {
		return DoorRef{}, fmt.Errorf("parsing door key %q: %w", key, err)
	}
	return d, nil
}

// PlacedRoom is a room mapped to world space.
type PlacedRoom struct {
	Ref    RoomRef
	Poly   geom.Poly
	Bounds geom.Rect
}

// PlacedDoor is a door mapped to world space.
type PlacedDoor struct {
	Ref     DoorRef
	Poly    geom.Poly
	Seg     [2]mgl64.Vec2
	Center  mgl64.Vec2
	RoomIDs []int
	Hull    bool
	Auto    bool
	Locked  bool
}

// PlacedPoint is a point of interest mapped to world space.
type PlacedPoint struct {
	Key    string
	Center mgl64.Vec2
	Radius float64
}

// Instance is an immutable placement of a template at a world transform.
type Instance struct {
	// ID is the level-instance id (gmId).
	ID int
	// Template is the placed layout.
	Template *Template
	// Transform maps template space to world space.
	Transform geom.Transform
	// Elevation is the floor height (world Y).
	Elevation float64

	Rooms  []PlacedRoom
	Doors  []PlacedDoor
	Points []PlacedPoint
	Bounds geom.Rect

	hash uint64
}

// NewInstance places tmpl with transform tr. World polygons are re-wound counter-clockwise
// so mirrored placements stay consistent.
//
// Precondition: tmpl must be non-nil and valid.
// Postcondition: Returns an Instance with all rooms, doors and points mapped to world space.
func NewInstance(id int, tmpl *Template, tr geom.Transform, elevation float64) *Instance {
	inst := &Instance{ID: id, Template: tmpl, Transform: tr, Elevation: elevation}
	for _, r := range tmpl.Rooms {
		poly := tr.ApplyPoly(r.Poly).CCW()
		inst.Rooms = append(inst.Rooms, PlacedRoom{
			Ref:    RoomRef{GmID: id, RoomID: r.ID},
			Poly:   poly,
			Bounds: poly.Bounds(),
		})
	}
	for _, d := range tmpl.Doors {
		poly := tr.ApplyPoly(d.Poly).CCW()
		inst.Doors = append(inst.Doors, PlacedDoor{
			Ref:     DoorRef{GmID: id, DoorID: d.ID},
			Poly:    poly,
			Seg:     [2]mgl64.Vec2{tr.Apply(d.Seg[0]), tr.Apply(d.Seg[1])},
			Center:  poly.Centroid(),
			RoomIDs: append([]int(nil), d.RoomIDs...),
			Hull:    d.Hull,
			Auto:    d.Auto,
			Locked:  d.Locked,
		})
	}
	for _, p := range tmpl.Points {
		inst.Points = append(inst.Points, PlacedPoint{Key: p.Key, Center: tr.Apply(p.Center), Radius: p.Radius})
	}

	inst.Bounds = inst.Rooms[0].Bounds
	for _, r := range inst.Rooms[1:] {
		inst.Bounds.Min[0] = math.Min(inst.Bounds.Min[0], r.Bounds.Min[0])
		inst.Bounds.Min[1] = math.Min(inst.Bounds.Min[1], r.Bounds.Min[1])
		inst.Bounds.Max[0] = math.Max(inst.Bounds.Max[0], r.Bounds.Max[0])
		inst.Bounds.Max[1] = math.Max(inst.Bounds.Max[1], r.Bounds.Max[1])
	}
	inst.hash = instanceHash(id, tmpl, tr, elevation)
	return inst
}

// Hash identifies the instance geometry; it changes whenever the template or transform changes.
func (i *Instance) Hash() uint64 {
	return i.hash
}

// Door returns the placed door with the given ID.
func (i *Instance) Door(id int) (*PlacedDoor, bool) {
	for k := range i.Doors {
		if i.Doors[k].Ref.DoorID == id {
			return &i.Doors[k], true
		}
	}
	return nil, false
}

// RoomAt returns the room containing p.
//
// Postcondition: Returns (ref, true) when p lies in a room of this instance.
func (i *Instance) RoomAt(p mgl64.Vec2) (RoomRef, bool) {
	if !i.Bounds.Contains(p) {
		return RoomRef{}, false
	}
	for _, r := range i.Rooms {
		if r.Bounds.Contains(p) && r.Poly.Contains(p) {
			return r.Ref, true
		}
	}
	return RoomRef{}, false
}

// Floor returns the instance's triangulated floor in template space: room triangles first,
// then doorway triangles starting at doorwayStart.
//
// Postcondition: Returns vertices and triangles or an error naming the degenerate polygon.
func (i *Instance) Floor() (verts []mgl64.Vec2, tris [][3]int, doorwayStart int, err error) {
	add := func(poly geom.Poly) error {
		t, err := geom.Triangulate(poly)
		if err != nil {
			return err
		}
		base := len(verts)
		verts = append(verts, poly...)
		for _, tri := range t {
			tris = append(tris, [3]int{base + tri[0], base + tri[1], base + tri[2]})
		}
		return nil
	}
	for _, r := range i.Template.Rooms {
		if err := add(r.Poly); err != nil {
			return nil, nil, 0, fmt.Errorf("template %q room %d: %w", i.Template.Key, r.ID, err)
		}
	}
	doorwayStart = len(tris)
	for _, d := range i.Template.Doors {
		if err := add(d.Poly); err != nil {
			return nil, nil, 0, fmt.Errorf("template %q door %d: %w", i.Template.Key, d.ID, err)
		}
	}
	return verts, tris, doorwayStart, nil
}

func instanceHash(id int, tmpl *Template, tr geom.Transform, elevation float64) uint64 {
	d := xxhash.New()
	fmt.Fprintf(d, "%d|%s|%.4f|", id, tmpl.Key, elevation)
	for _, c := range tr.Coefficients() {
		fmt.Fprintf(d, "%.6f|", c)
	}
	for _, r := range tmpl.Rooms {
		fmt.Fprintf(d, "r%d:%v|", r.ID, r.Poly)
	}
	for _, dr := range tmpl.Doors {
		fmt.Fprintf(d, "d%d:%v:%v|", dr.ID, dr.Poly, dr.RoomIDs)
	}
	return d.Sum64()
}
