package level

import (
	"fmt"
	"os"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/levelsim/internal/geom"
)

// yamlLevelFile is the top-level YAML structure for level files.
type yamlLevelFile struct {
	Level yamlLevel `yaml:"level"`
}

// yamlLevel is the YAML representation of a level.
type yamlLevel struct {
	Key       string         `yaml:"key"`
	Templates []yamlTemplate `yaml:"templates"`
	Instances []yamlInstance `yaml:"instances"`
	HullLinks []yamlHullLink `yaml:"hull_links"`
}

// yamlTemplate is the YAML representation of a room/door template.
type yamlTemplate struct {
	Key    string      `yaml:"key"`
	Rooms  []yamlRoom  `yaml:"rooms"`
	Doors  []yamlDoor  `yaml:"doors"`
	Points []yamlPoint `yaml:"points"`
}

type yamlRoom struct {
	ID   int          `yaml:"id"`
	Name string       `yaml:"name"`
	Poly [][2]float64 `yaml:"poly"`
}

type yamlDoor struct {
	ID     int          `yaml:"id"`
	Poly   [][2]float64 `yaml:"poly"`
	Seg    [][2]float64 `yaml:"seg"`
	Rooms  []int        `yaml:"rooms"`
	Hull   bool         `yaml:"hull"`
	Auto   bool         `yaml:"auto"`
	Locked bool         `yaml:"locked"`
}

type yamlPoint struct {
	Key    string     `yaml:"key"`
	Center [2]float64 `yaml:"center"`
	Radius float64    `yaml:"radius"`
}

// yamlInstance places a template; Matrix, when present, overrides translate/rotate/mirror.
type yamlInstance struct {
	GmID      int        `yaml:"gm"`
	Template  string     `yaml:"template"`
	Translate [2]float64 `yaml:"translate"`
	Rotate    float64    `yaml:"rotate"`
	Mirror    bool       `yaml:"mirror"`
	Elevation float64    `yaml:"elevation"`
	Matrix    []float64  `yaml:"matrix"`
}

type yamlHullLink struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
}

// LoadLevelFromFile reads and validates a level YAML file.
//
// Precondition: path must point to a valid YAML level file.
// Postcondition: Returns a validated Level or a non-nil error.
func LoadLevelFromFile(path string) (*Level, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading level file %s: %w", path, err)
	}
	return LoadLevelFromBytes(data)
}

// LoadLevelFromBytes parses and validates a level from YAML bytes.
//
// Precondition: data must be valid YAML conforming to the level schema.
// Postcondition: Returns a validated Level or a non-nil error.
func LoadLevelFromBytes(data []byte) (*Level, error) {
	var file yamlLevelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing level YAML: %w", err)
	}
	yl := file.Level
	if yl.Key == "" {
		return nil, fmt.Errorf("level key must not be empty")
	}

	templates := make(map[string]*Template, len(yl.Templates))
	for _, yt := range yl.Templates {
		tmpl, err := convertYAMLTemplate(yt)
		if err != nil {
			return nil, err
		}
		if err := tmpl.Validate(); err != nil {
			return nil, fmt.Errorf("validating level %q: %w", yl.Key, err)
		}
		if _, dup := templates[tmpl.Key]; dup {
			return nil, fmt.Errorf("level %q: duplicate template %q", yl.Key, tmpl.Key)
		}
		templates[tmpl.Key] = tmpl
	}

	instances := make([]*Instance, 0, len(yl.Instances))
	for _, yi := range yl.Instances {
		tmpl, ok := templates[yi.Template]
		if !ok {
			return nil, fmt.Errorf("level %q: instance %d: unknown template %q", yl.Key, yi.GmID, yi.Template)
		}
		tr, err := convertYAMLTransform(yi)
		if err != nil {
			return nil, fmt.Errorf("level %q: instance %d: %w", yl.Key, yi.GmID, err)
		}
		instances = append(instances, NewInstance(yi.GmID, tmpl, tr, yi.Elevation))
	}

	links := make([]HullLink, 0, len(yl.HullLinks))
	for _, yh := range yl.HullLinks {
		a, err := ParseDoorKey(yh.A)
		if err != nil {
			return nil, fmt.Errorf("level %q: hull link: %w", yl.Key, err)
		}
		b, err := ParseDoorKey(yh.B)
		if err != nil {
			return nil, fmt.Errorf("level %q: hull link: %w", yl.Key, err)
		}
		links = append(links, HullLink{A: a, B: b})
	}

	lvl, err := NewLevel(yl.Key, instances, links)
	if err != nil {
		return nil, fmt.Errorf("building level %q: %w", yl.Key, err)
	}
	return lvl, nil
}

func convertYAMLTemplate(yt yamlTemplate) (*Template, error) {
	tmpl := &Template{Key: yt.Key}
	for _, yr := range yt.Rooms {
		tmpl.Rooms = append(tmpl.Rooms, Room{ID: yr.ID, Name: yr.Name, Poly: toPoly(yr.Poly)})
	}
	for _, yd := range yt.Doors {
		d := Door{
			ID:      yd.ID,
			Poly:    toPoly(yd.Poly),
			RoomIDs: yd.Rooms,
			Hull:    yd.Hull,
			Auto:    yd.Auto,
			Locked:  yd.Locked,
		}
		switch len(yd.Seg) {
		case 0:
			if len(d.Poly) >= 3 {
				d.Seg = DoorSegment(d.Poly)
			}
		case 2:
			d.Seg = [2]mgl64.Vec2{yd.Seg[0], yd.Seg[1]}
		default:
			return nil, fmt.Errorf("template %q: door %d: seg needs exactly 2 points", yt.Key, yd.ID)
		}
		tmpl.Doors = append(tmpl.Doors, d)
	}
	for _, yp := range yt.Points {
		tmpl.Points = append(tmpl.Points, PointOfInterest{Key: yp.Key, Center: yp.Center, Radius: yp.Radius})
	}
	return tmpl, nil
}

func convertYAMLTransform(yi yamlInstance) (geom.Transform, error) {
	if len(yi.Matrix) == 0 {
		return geom.NewTransform(yi.Translate[0], yi.Translate[1], yi.Rotate, yi.Mirror), nil
	}
	if len(yi.Matrix) != 6 {
		return geom.Transform{}, fmt.Errorf("matrix needs 6 coefficients, got %d", len(yi.Matrix))
	}
	m := yi.Matrix
	tr := geom.FromMatrix(m[0], m[1], m[2], m[3], m[4], m[5])
	if tr.Det() == 0 {
		return geom.Transform{}, fmt.Errorf("matrix is singular")
	}
	return tr, nil
}

func toPoly(pts [][2]float64) geom.Poly {
	out := make(geom.Poly, len(pts))
	for i, p := range pts {
		out[i] = p
	}
	return out
}
