// Package level provides the geometry/graph provider: room and door templates, their
// placement as level instances, the room adjacency graph, and point-in-room queries.
package level

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/cory-johannsen/levelsim/internal/geom"
)

// Room is a floor polygon scoped to a template.
type Room struct {
	// ID is unique within the template.
	ID int
	// Name is an optional display label.
	Name string
	// Poly is the room outline in template space.
	Poly geom.Poly
}

// Door is a doorway polygon on the boundary of one or two rooms.
//
// Invariant: hull doors reference exactly one room; interior doors exactly two.
type Door struct {
	// ID is unique within the template.
	ID int
	// Poly is the door footprint in template space.
	Poly geom.Poly
	// Seg is the door leaf: the line an agent crosses when passing through.
	Seg [2]mgl64.Vec2
	// RoomIDs lists the adjacent rooms.
	RoomIDs []int
	// Hull marks doors on the template's outer boundary.
	Hull bool
	// Auto doors open for authorised agents that approach them.
	Auto bool
	// Locked is the initial lock state.
	Locked bool
}

// PointOfInterest is a fixed circular sensor that is not a door.
type PointOfInterest struct {
	Key    string
	Center mgl64.Vec2
	Radius float64
}

// Template is an immutable room/door layout that instances place in the world.
type Template struct {
	Key    string
	Rooms  []Room
	Doors  []Door
	Points []PointOfInterest
}

// Room returns the room with the given ID.
//
// Postcondition: Returns (room, true) if found, or (nil, false) otherwise.
func (t *Template) Room(id int) (*Room, bool) {
	for i := range t.Rooms {
		if t.Rooms[i].ID == id {
			return &t.Rooms[i], true
		}
	}
	return nil, false
}

// Door returns the door with the given ID.
//
// Postcondition: Returns (door, true) if found, or (nil, false) otherwise.
func (t *Template) Door(id int) (*Door, bool) {
	for i := range t.Doors {
		if t.Doors[i].ID == id {
			return &t.Doors[i], true
		}
	}
	return nil, false
}

// Validate checks template invariants.
//
// Postcondition: Returns nil if valid, or an error describing the first violation.
func (t *Template) Validate() error {
	if t.Key == "" {
		return fmt.Errorf("template key must not be empty")
	}
	if len(t.Rooms) == 0 {
		return fmt.Errorf("template %q: must contain at least one room", t.Key)
	}
	seen := make(map[int]bool, len(t.Rooms))
	for _, r := range t.Rooms {
		if seen[r.ID] {
			return fmt.Errorf("template %q: duplicate room id %d", t.Key, r.ID)
		}
		seen[r.ID] = true
		if len(r.Poly) < 3 {
			return fmt.Errorf("template %q: room %d: polygon needs at least 3 vertices", t.Key, r.ID)
		}
	}
	doorSeen := make(map[int]bool, len(t.Doors))
	for _, d := range t.Doors {
		if doorSeen[d.ID] {
			return fmt.Errorf("template %q: duplicate door id %d", t.Key, d.ID)
		}
		doorSeen[d.ID] = true
		if len(d.Poly) < 3 {
			return fmt.Errorf("template %q: door %d: polygon needs at least 3 vertices", t.Key, d.ID)
		}
		want := 2
		if d.Hull {
			want = 1
		}
		if len(d.RoomIDs) != want {
			return fmt.Errorf("template %q: door %d: expected %d room ids, got %d", t.Key, d.ID, want, len(d.RoomIDs))
		}
		for _, rid := range d.RoomIDs {
			if !seen[rid] {
				return fmt.Errorf("template %q: door %d: unknown room %d", t.Key, d.ID, rid)
			}
		}
	}
	for _, p := range t.Points {
		if p.Key == "" {
			return fmt.Errorf("template %q: point of interest key must not be empty", t.Key)
		}
		if p.Radius <= 0 {
			return fmt.Errorf("template %q: point %q: radius must be positive", t.Key, p.Key)
		}
	}
	return nil
}

// DoorSegment derives a door leaf from a quadrilateral footprint: the midline parallel to
// its longer side.
//
// Precondition: len(poly) >= 3.
func DoorSegment(poly geom.Poly) [2]mgl64.Vec2 {
	if len(poly) != 4 {
		b := poly.Bounds()
		if b.Max[0]-b.Min[0] >= b.Max[1]-b.Min[1] {
			z := (b.Min[1] + b.Max[1]) / 2
			return [2]mgl64.Vec2{{b.Min[0], z}, {b.Max[0], z}}
		}
		x := (b.Min[0] + b.Max[0]) / 2
		return [2]mgl64.Vec2{{x, b.Min[1]}, {x, b.Max[1]}}
	}
	e0 := poly[1].Sub(poly[0]).Len()
	e1 := poly[2].Sub(poly[1]).Len()
	mid := func(a, b mgl64.Vec2) mgl64.Vec2 { return a.Add(b).Mul(0.5) }
	if e0 >= e1 {
		return [2]mgl64.Vec2{mid(poly[3], poly[0]), mid(poly[1], poly[2])}
	}
	return [2]mgl64.Vec2{mid(poly[0], poly[1]), mid(poly[2], poly[3])}
}
