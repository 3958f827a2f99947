// Package physics maintains a kinematic sensor world and reports agent contact transitions.
package physics

import (
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/cory-johannsen/levelsim/internal/level"
)

// Tier is the proximity tier of a door sensor.
type Tier int

const (
	// TierInside is the door footprint.
	TierInside Tier = iota
	// TierNearby is the ring around the door centre.
	TierNearby
)

func (t Tier) String() string {
	if t == TierNearby {
		return "nearby"
	}
	return "inside"
}

const (
	nearbySuffix = "~nearby"
	poiSep       = "~"
)

// DoorSensorKey returns the body key of a door sensor. The inside sensor uses the bare door key.
func DoorSensorKey(ref level.DoorRef, tier Tier) string {
	if tier == TierNearby {
		return ref.Key() + nearbySuffix
	}
	return ref.Key()
}

// ParseDoorSensor reverses DoorSensorKey.
//
// Postcondition: Returns ok == false for any key that is not a door sensor.
func ParseDoorSensor(key string) (level.DoorRef, Tier, bool) {
	tier := TierInside
	if base, found := strings.CutSuffix(key, nearbySuffix); found {
		key, tier = base, TierNearby
	}
	ref, err := level.ParseDoorKey(key)
	if err != nil || ref.Key() != key {
		return level.DoorRef{}, 0, false
	}
	return ref, tier, true
}

// PointSensorKey returns the body key of a point-of-interest sensor.
func PointSensorKey(gmID int, key string) string {
	return fmt.Sprintf("g%d%s%s", gmID, poiSep, key)
}

// LevelSensors returns the fixed sensor bodies of every door and point of interest in lvl.
//
// Precondition: nearbyRadius > 0.
func LevelSensors(lvl *level.Level, nearbyRadius float64) []BodySpec {
	var out []BodySpec
	for _, d := range lvl.Doors() {
		out = append(out,
			BodySpec{
				Key:   DoorSensorKey(d.Ref, TierNearby),
				Kind:  Fixed,
				Shape: Shape{Radius: nearbyRadius},
				Pos:   d.Center,
			},
			BodySpec{
				Key:   DoorSensorKey(d.Ref, TierInside),
				Kind:  Fixed,
				Shape: Shape{Footprint: d.Poly},
				Pos:   d.Center,
			},
		)
	}
	for _, inst := range lvl.Instances() {
		for _, p := range inst.Points {
			out = append(out, BodySpec{
				Key:   PointSensorKey(inst.ID, p.Key),
				Kind:  Fixed,
				Shape: Shape{Radius: p.Radius},
				Pos:   p.Center,
			})
		}
	}
	return out
}

// AgentPosition is one entry of a position batch.
type AgentPosition struct {
	Key string
	Pos mgl64.Vec3
}
