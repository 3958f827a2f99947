package level

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// HullLink joins a hull door of one instance to a hull door of another.
type HullLink struct {
	A DoorRef
	B DoorRef
}

// Level is the set of placed instances making up one map, plus the room graph.
// All methods are safe for concurrent use; a Level is replaced wholesale on map change.
type Level struct {
	mu        sync.RWMutex
	key       string
	templates map[string]*Template
	instances map[int]*Instance
	hull      map[DoorRef]DoorRef
	// roomDoors is the adjacency graph: room → doors on its boundary.
	roomDoors map[RoomRef][]DoorRef
}

// NewLevel indexes instances and hull links.
//
// Precondition: every instance ID is unique; every hull link names hull doors of known instances.
// Postcondition: Returns a Level or an error describing the first violation.
func NewLevel(key string, instances []*Instance, links []HullLink) (*Level, error) {
	l := &Level{
		key:       key,
		templates: make(map[string]*Template),
		instances: make(map[int]*Instance, len(instances)),
		hull:      make(map[DoorRef]DoorRef),
		roomDoors: make(map[RoomRef][]DoorRef),
	}
	for _, inst := range instances {
		if _, exists := l.instances[inst.ID]; exists {
			return nil, fmt.Errorf("duplicate level instance id %d", inst.ID)
		}
		l.instances[inst.ID] = inst
		l.templates[inst.Template.Key] = inst.Template
		for _, d := range inst.Doors {
			for _, rid := range d.RoomIDs {
				rr := RoomRef{GmID: inst.ID, RoomID: rid}
				l.roomDoors[rr] = append(l.roomDoors[rr], d.Ref)
			}
		}
	}
	for _, link := range links {
		for _, ref := range []DoorRef{link.A, link.B} {
			d, ok := l.door(ref)
			if !ok {
				return nil, fmt.Errorf("hull link references unknown door %s", ref.Key())
			}
			if !d.Hull {
				return nil, fmt.Errorf("hull link references interior door %s", ref.Key())
			}
		}
		l.hull[link.A] = link.B
		l.hull[link.B] = link.A
	}
	return l, nil
}

// Key returns the level key.
func (l *Level) Key() string {
	return l.key
}

// Instance returns the instance with the given gmId.
//
// Postcondition: Returns (inst, true) if found, or (nil, false) otherwise.
func (l *Level) Instance(gmID int) (*Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.instances[gmID]
	return inst, ok
}

// Instances returns all instances ordered by gmId.
//
// Postcondition: Returns a non-nil slice; may be empty.
func (l *Level) Instances() []*Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Instance, 0, len(l.instances))
	for _, inst := range l.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Door returns the placed door addressed by ref.
func (l *Level) Door(ref DoorRef) (*PlacedDoor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.door(ref)
}

func (l *Level) door(ref DoorRef) (*PlacedDoor, bool) {
	inst, ok := l.instances[ref.GmID]
	if !ok {
		return nil, false
	}
	return inst.Door(ref.DoorID)
}

// Doors returns every placed door ordered by (gmId, doorId).
func (l *Level) Doors() []*PlacedDoor {
	var out []*PlacedDoor
	for _, inst := range l.Instances() {
		for i := range inst.Doors {
			out = append(out, &inst.Doors[i])
		}
	}
	return out
}

// DoorsOfRoom returns the doors on the boundary of room.
func (l *Level) DoorsOfRoom(room RoomRef) []DoorRef {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]DoorRef(nil), l.roomDoors[room]...)
}

// HullPartner returns the door a hull door is linked to in another instance.
func (l *Level) HullPartner(ref DoorRef) (DoorRef, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	other, ok := l.hull[ref]
	return other, ok
}

// AdjacentRooms returns the rooms reachable through door: both rooms of an interior door,
// or the hull door's room plus the linked room in the neighbouring instance.
//
// Postcondition: Returns nil if the door is unknown.
func (l *Level) AdjacentRooms(ref DoorRef) []RoomRef {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.door(ref)
	if !ok {
		return nil
	}
	out := make([]RoomRef, 0, 2)
	for _, rid := range d.RoomIDs {
		out = append(out, RoomRef{GmID: ref.GmID, RoomID: rid})
	}
	if d.Hull {
		if other, ok := l.hull[ref]; ok {
			if od, ok := l.door(other); ok && len(od.RoomIDs) == 1 {
				out = append(out, RoomRef{GmID: other.GmID, RoomID: od.RoomIDs[0]})
			}
		}
	}
	return out
}

// OtherRoom returns the room on the far side of door when leaving from.
//
// Postcondition: Returns (room, true) iff from is adjacent to door and a far side exists.
func (l *Level) OtherRoom(ref DoorRef, from RoomRef) (RoomRef, bool) {
	rooms := l.AdjacentRooms(ref)
	found := false
	for _, r := range rooms {
		if r == from {
			found = true
		}
	}
	if !found {
		return RoomRef{}, false
	}
	for _, r := range rooms {
		if r != from {
			return r, true
		}
	}
	return RoomRef{}, false
}

// RoomAt is the point-in-room containment query.
//
// Postcondition: Returns (ref, true) when p lies in some room.
func (l *Level) RoomAt(p mgl64.Vec2) (RoomRef, bool) {
	for _, inst := range l.Instances() {
		if ref, ok := inst.RoomAt(p); ok {
			return ref, true
		}
	}
	return RoomRef{}, false
}

// RoomAtIn restricts RoomAt to a single instance.
func (l *Level) RoomAtIn(gmID int, p mgl64.Vec2) (RoomRef, bool) {
	inst, ok := l.Instance(gmID)
	if !ok {
		return RoomRef{}, false
	}
	return inst.RoomAt(p)
}

// InstanceCount returns the number of placed instances.
func (l *Level) InstanceCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.instances)
}

// DoorCount returns the total number of doors across instances.
func (l *Level) DoorCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, inst := range l.instances {
		n += len(inst.Doors)
	}
	return n
}
