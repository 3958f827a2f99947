// Package event defines the simulation's closed event union and the bus that carries it.
package event

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/cory-johannsen/levelsim/internal/level"
)

// Kind names an event variant.
type Kind int

const (
	KindWayPoint Kind = iota
	KindEnterCollider
	KindExitCollider
	KindSpawned
	KindRemovedNPC
	KindPreRequestNav
	KindPreSetupPhysics
	KindTryCloseDoor
	KindEnterDoorway
	KindExitDoorway
	KindEnterRoom
	KindExitRoom
	KindDoorOpened
	KindDoorClosed
	KindDoorLocked
	KindDoorUnlocked
	KindContainmentLost
	KindNavmeshReady
	KindNavmeshFailed
	KindWalkCancelled
	kindCount
)

var kindNames = [kindCount]string{
	KindWayPoint:        "way-point",
	KindEnterCollider:   "enter-collider",
	KindExitCollider:    "exit-collider",
	KindSpawned:         "spawned",
	KindRemovedNPC:      "removed-npc",
	KindPreRequestNav:   "pre-request-nav",
	KindPreSetupPhysics: "pre-setup-physics",
	KindTryCloseDoor:    "try-close-door",
	KindEnterDoorway:    "enter-doorway",
	KindExitDoorway:     "exit-doorway",
	KindEnterRoom:       "enter-room",
	KindExitRoom:        "exit-room",
	KindDoorOpened:      "door-opened",
	KindDoorClosed:      "door-closed",
	KindDoorLocked:      "door-locked",
	KindDoorUnlocked:    "door-unlocked",
	KindContainmentLost: "containment-lost",
	KindNavmeshReady:    "navmesh-ready",
	KindNavmeshFailed:   "navmesh-failed",
	KindWalkCancelled:   "walk-cancelled",
}

// String returns the topic name of k.
func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return "unknown"
	}
	return kindNames[k]
}

// KindByName returns the kind whose topic name is name.
func KindByName(name string) (Kind, bool) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), true
		}
	}
	return 0, false
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, kindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// Event is implemented only by the types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// WayPoint reports an agent's next path corner; Next is nil on arrival.
type WayPoint struct {
	Agent string      `json:"agent"`
	Pos   mgl64.Vec3  `json:"pos"`
	Next  *mgl64.Vec3 `json:"next"`
}

// EnterCollider reports that an agent body began overlapping another body.
type EnterCollider struct {
	Agent string `json:"agent"`
	Other string `json:"other"`
}

// ExitCollider reports that an agent body stopped overlapping another body.
type ExitCollider struct {
	Agent string `json:"agent"`
	Other string `json:"other"`
}

// Spawned reports a new agent registered with the crowd.
type Spawned struct {
	Agent string     `json:"agent"`
	Pos   mgl64.Vec3 `json:"pos"`
}

// RemovedNPC reports a despawned agent.
type RemovedNPC struct {
	Agent string `json:"agent"`
}

// PreRequestNav announces a navmesh rebuild for the changed level instances.
type PreRequestNav struct {
	Version uint64 `json:"version"`
	Changed []int  `json:"changed"`
}

// PreSetupPhysics announces that the physics world is about to be rebuilt.
type PreSetupPhysics struct {
	Level string `json:"level"`
}

// TryCloseDoor asks the coordinator to evaluate a door for closing.
type TryCloseDoor struct {
	Door level.DoorRef `json:"door"`
}

// EnterDoorway reports an agent entering a door footprint.
type EnterDoorway struct {
	Agent string        `json:"agent"`
	Door  level.DoorRef `json:"door"`
}

// ExitDoorway reports an agent leaving a door footprint.
type ExitDoorway struct {
	Agent string        `json:"agent"`
	Door  level.DoorRef `json:"door"`
}

// EnterRoom reports an agent entering a room.
type EnterRoom struct {
	Agent string        `json:"agent"`
	Room  level.RoomRef `json:"room"`
}

// ExitRoom reports an agent leaving a room.
type ExitRoom struct {
	Agent string        `json:"agent"`
	Room  level.RoomRef `json:"room"`
}

// DoorOpened reports a closed door opening; By is empty for scripted opens.
type DoorOpened struct {
	Door level.DoorRef `json:"door"`
	By   string        `json:"by,omitempty"`
}

// DoorClosed reports an open door closing.
type DoorClosed struct {
	Door level.DoorRef `json:"door"`
}

// DoorLocked reports a lock toggle to locked.
type DoorLocked struct {
	Door level.DoorRef `json:"door"`
	By   string        `json:"by"`
}

// DoorUnlocked reports a lock toggle to unlocked.
type DoorUnlocked struct {
	Door level.DoorRef `json:"door"`
	By   string        `json:"by"`
}

// ContainmentLost reports an agent that could not be placed in any room.
type ContainmentLost struct {
	Agent string     `json:"agent"`
	Pos   mgl64.Vec2 `json:"pos"`
}

// NavmeshReady reports that a navmesh version became active.
type NavmeshReady struct {
	Version uint64 `json:"version"`
	Tiles   int    `json:"tiles"`
}

// NavmeshFailed reports a build failure; the previous mesh stays active.
type NavmeshFailed struct {
	Version uint64 `json:"version"`
	Reason  string `json:"reason"`
}

// WalkCancelled reports a cancelled walk and the generation that cancelled it.
type WalkCancelled struct {
	Agent      string `json:"agent"`
	Generation uint64 `json:"generation"`
}

func (WayPoint) Kind() Kind        { return KindWayPoint }
func (EnterCollider) Kind() Kind   { return KindEnterCollider }
func (ExitCollider) Kind() Kind    { return KindExitCollider }
func (Spawned) Kind() Kind         { return KindSpawned }
func (RemovedNPC) Kind() Kind      { return KindRemovedNPC }
func (PreRequestNav) Kind() Kind   { return KindPreRequestNav }
func (PreSetupPhysics) Kind() Kind { return KindPreSetupPhysics }
func (TryCloseDoor) Kind() Kind    { return KindTryCloseDoor }
func (EnterDoorway) Kind() Kind    { return KindEnterDoorway }
func (ExitDoorway) Kind() Kind     { return KindExitDoorway }
func (EnterRoom) Kind() Kind       { return KindEnterRoom }
func (ExitRoom) Kind() Kind        { return KindExitRoom }
func (DoorOpened) Kind() Kind      { return KindDoorOpened }
func (DoorClosed) Kind() Kind      { return KindDoorClosed }
func (DoorLocked) Kind() Kind      { return KindDoorLocked }
func (DoorUnlocked) Kind() Kind    { return KindDoorUnlocked }
func (ContainmentLost) Kind() Kind { return KindContainmentLost }
func (NavmeshReady) Kind() Kind    { return KindNavmeshReady }
func (NavmeshFailed) Kind() Kind   { return KindNavmeshFailed }
func (WalkCancelled) Kind() Kind   { return KindWalkCancelled }

func (WayPoint) sealed()        {}
func (EnterCollider) sealed()   {}
func (ExitCollider) sealed()    {}
func (Spawned) sealed()         {}
func (RemovedNPC) sealed()      {}
func (PreRequestNav) sealed()   {}
func (PreSetupPhysics) sealed() {}
func (TryCloseDoor) sealed()    {}
func (EnterDoorway) sealed()    {}
func (ExitDoorway) sealed()     {}
func (EnterRoom) sealed()       {}
func (ExitRoom) sealed()        {}
func (DoorOpened) sealed()      {}
func (DoorClosed) sealed()      {}
func (DoorLocked) sealed()      {}
func (DoorUnlocked) sealed()    {}
func (ContainmentLost) sealed() {}
func (NavmeshReady) sealed()    {}
func (NavmeshFailed) sealed()   {}
func (WalkCancelled) sealed()   {}
