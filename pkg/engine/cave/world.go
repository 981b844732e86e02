package cave

import (
	_ "embed"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

//go:embed world.yaml
var defaultWorldYAML []byte

type Exit struct {
	To string `yaml:"to"`
	// Requires names an item that must be carried to pass.
	Requires string `yaml:"requires,omitempty"`
	Blocked  string `yaml:"blocked,omitempty"`
}

type Room struct {
	Short       string          `yaml:"short"`
	Description string          `yaml:"description"`
	Dark        bool            `yaml:"dark,omitempty"`
	Exits       map[string]Exit `yaml:"exits"`
}

type Item struct {
	ID          string   `yaml:"id"`
	Words       []string `yaml:"words"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Location    string   `yaml:"location"`
	Light       bool     `yaml:"light,omitempty"`
	Points      int      `yaml:"points,omitempty"`
}

// World is the static part of a game: rooms, exits and the initial placement of items.
type World struct {
	Title   string          `yaml:"title"`
	Start   string          `yaml:"start"`
	Deposit string          `yaml:"deposit"`
	Rooms   map[string]Room `yaml:"rooms"`
	Items   []Item          `yaml:"items"`

	byWord map[string]string
	byID   map[string]int
}

func DefaultWorld() (*World, error) {
	return ParseWorld(defaultWorldYAML)
}

func LoadWorld(path string) (*World, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cave: read world %s", path)
	}
	return ParseWorld(b)
}

func ParseWorld(b []byte) (*World, error) {
	var w World
	if err := yaml.Unmarshal(b, &w); err != nil {
		return nil, errors.Wrap(err, "cave: parse world")
	}
	if err := w.index(); err != nil {
		return nil, err
	}
	return &w, nil
}

func (w *World) index() error {
	if len(w.Rooms) == 0 {
		return errors.New("cave: world has no rooms")
	}
	if _, ok := w.Rooms[w.Start]; !ok {
		return errors.Errorf("cave: start room %q does not exist", w.Start)
	}
	if w.Deposit != "" {
		if _, ok := w.Rooms[w.Deposit]; !ok {
			return errors.Errorf("cave: deposit room %q does not exist", w.Deposit)
		}
	}

	w.byWord = map[string]string{}
	w.byID = map[string]int{}
	for i, it := range w.Items {
		if it.ID == "" {
			return errors.Errorf("cave: item %d has no id", i)
		}
		if _, dup := w.byID[it.ID]; dup {
			return errors.Errorf("cave: duplicate item %q", it.ID)
		}
		if _, ok := w.Rooms[it.Location]; !ok {
			return errors.Errorf("cave: item %q placed in unknown room %q", it.ID, it.Location)
		}
		w.byID[it.ID] = i
		w.byWord[it.ID] = it.ID
		for _, word := range it.Words {
			w.byWord[word] = it.ID
		}
	}

	names := make([]string, 0, len(w.Rooms))
	for name := range w.Rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for dir, exit := range w.Rooms[name].Exits {
			if _, ok := w.Rooms[exit.To]; !ok {
				return errors.Errorf("cave: room %q exit %s leads to unknown room %q", name, dir, exit.To)
			}
			if exit.Requires != "" {
				if _, ok := w.byID[exit.Requires]; !ok {
					return errors.Errorf("cave: room %q exit %s requires unknown item %q", name, dir, exit.Requires)
				}
			}
		}
	}
	return nil
}

func (w *World) item(id string) (Item, bool) {
	i, ok := w.byID[id]
	if !ok {
		return Item{}, false
	}
	return w.Items[i], true
}

func (w *World) maxScore() int {
	total := 0
	for _, it := range w.Items {
		total += it.Points
	}
	return total
}
