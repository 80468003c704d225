// Package dungeon is the reference game engine: a shared grid map, turn
// order, treasure, items and combat, driven one command at a time under the
// engine lock.
package dungeon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Map tiles. TileOutside and TilePlayer only appear in look replies.
const (
	TileWall    byte = '#'
	TileFloor   byte = '.'
	TileGold    byte = 'G'
	TileExit    byte = 'E'
	TileSword   byte = 'S'
	TileArmour  byte = 'A'
	TileHealth  byte = 'H'
	TileLantern byte = 'L'
	TileOutside byte = 'X'
	TilePlayer  byte = 'P'
)

// Map is one dungeon layout.
//
// Invariant: after Validate succeeds every row has the same width.
type Map struct {
	// Name is the display name of the map.
	Name string
	// Win is the gold a player must hold on an exit tile to win.
	Win int
	// Tiles is row-major: Tiles[y][x].
	Tiles [][]byte
}

// yamlMap is the YAML representation of a map file.
type yamlMap struct {
	Name string   `yaml:"name"`
	Win  int      `yaml:"win"`
	Rows []string `yaml:"rows"`
}

// Width returns the number of columns.
func (m *Map) Width() int {
	if len(m.Tiles) == 0 {
		return 0
	}
	return len(m.Tiles[0])
}

// Height returns the number of rows.
func (m *Map) Height() int { return len(m.Tiles) }

// InBounds reports whether (x, y) lies on the map.
func (m *Map) InBounds(x, y int) bool {
	return y >= 0 && y < len(m.Tiles) && x >= 0 && x < len(m.Tiles[y])
}

// At returns the tile at (x, y), or TileOutside when off the map.
func (m *Map) At(x, y int) byte {
	if !m.InBounds(x, y) {
		return TileOutside
	}
	return m.Tiles[y][x]
}

// Set replaces the tile at (x, y). Off-map coordinates are ignored.
func (m *Map) Set(x, y int, t byte) {
	if m.InBounds(x, y) {
		m.Tiles[y][x] = t
	}
}

// Clone returns a deep copy of the map.
func (m *Map) Clone() *Map {
	tiles := make([][]byte, len(m.Tiles))
	for y, row := range m.Tiles {
		tiles[y] = append([]byte(nil), row...)
	}
	return &Map{Name: m.Name, Win: m.Win, Tiles: tiles}
}

// Validate checks the map is playable.
//
// Postcondition: Returns nil if the map is rectangular, uses only map tiles,
// has a floor and an exit, and holds at least Win gold.
func (m *Map) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("map name must not be empty")
	}
	if m.Win < 0 {
		return fmt.Errorf("map %q: win must be >= 0, got %d", m.Name, m.Win)
	}
	if len(m.Tiles) == 0 || len(m.Tiles[0]) == 0 {
		return fmt.Errorf("map %q has no tiles", m.Name)
	}

	width := len(m.Tiles[0])
	var floors, exits, gold int
	for y, row := range m.Tiles {
		if len(row) != width {
			return fmt.Errorf("map %q: row %d has width %d, want %d", m.Name, y, len(row), width)
		}
		for x, t := range row {
			switch t {
			case TileFloor:
				floors++
			case TileExit:
				exits++
			case TileGold:
				gold++
			case TileWall, TileSword, TileArmour, TileHealth, TileLantern:
			default:
				return fmt.Errorf("map %q: invalid tile %q at %d,%d", m.Name, t, x, y)
			}
		}
	}
	if floors == 0 {
		return fmt.Errorf("map %q has no floor tiles", m.Name)
	}
	if exits == 0 {
		return fmt.Errorf("map %q has no exit", m.Name)
	}
	if gold < m.Win {
		return fmt.Errorf("map %q holds %d gold but %d are needed to win", m.Name, gold, m.Win)
	}
	return nil
}

// LoadMapFromFile reads and validates a single map YAML file.
//
// Precondition: path must point to a valid YAML map file.
// Postcondition: Returns a validated Map or a non-nil error.
func LoadMapFromFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading map file %s: %w", path, err)
	}
	return LoadMapFromBytes(data)
}

// LoadMapFromBytes parses and validates a map from YAML bytes.
//
// Postcondition: Returns a validated Map or a non-nil error.
func LoadMapFromBytes(data []byte) (*Map, error) {
	var ym yamlMap
	if err := yaml.Unmarshal(data, &ym); err != nil {
		return nil, fmt.Errorf("parsing map YAML: %w", err)
	}

	m := convertYAMLMap(ym)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating map: %w", err)
	}
	return m, nil
}

// LoadMap loads the map identified by id from dir, trying id.yaml then id.yml.
//
// Postcondition: Returns a validated Map or a non-nil error.
func LoadMap(dir, id string) (*Map, error) {
	var firstErr error
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, id+ext)
		if _, err := os.Stat(path); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return LoadMapFromFile(path)
	}
	return nil, fmt.Errorf("map %q not found in %s: %w", id, dir, firstErr)
}

// LoadMapsFromDir loads every YAML file in dir, keyed by file name without
// extension.
//
// Postcondition: Returns all validated maps or the first error encountered.
func LoadMapsFromDir(dir string) (map[string]*Map, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading map directory %s: %w", dir, err)
	}

	maps := make(map[string]*Map)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		m, err := LoadMapFromFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("loading map from %s: %w", name, err)
		}
		maps[strings.TrimSuffix(name, ext)] = m
	}

	if len(maps) == 0 {
		return nil, fmt.Errorf("no map files found in %s", dir)
	}
	return maps, nil
}

func convertYAMLMap(ym yamlMap) *Map {
	m := &Map{
		Name:  strings.TrimSpace(ym.Name),
		Win:   ym.Win,
		Tiles: make([][]byte, 0, len(ym.Rows)),
	}
	for _, row := range ym.Rows {
		m.Tiles = append(m.Tiles, []byte(strings.TrimSpace(row)))
	}
	return m
}
