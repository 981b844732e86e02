// Package cave is a small built-in adventure engine. The world is a YAML document; the game
// state that travels through the session store is YAML as well.
package cave

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/grotto/pkg/engine"
)

const (
	msgDark      = "It is now pitch dark. If you proceed you will likely fall into a pit."
	msgUnknown   = "I don't know that word."
	msgNoWay     = "You can't go that way."
	msgEmpty     = "Tell me what to do."
	msgGameOver  = "This game is over. Mention me in a new thread to start another one."
	msgNotHere   = "I see no %s here."
	msgNotCarry  = "You aren't carrying it!"
	msgHelp      = "I know of places, actions, and things. Most of my vocabulary describes places and is used to move you there: north, south, east, west, up, down, in, out. I also know take, drop, look, inventory, score and quit. Usually two words are enough, e.g. \"take lamp\"."
	msgEmptyHand = "You're not carrying anything."
)

var directions = map[string]string{
	"n": "north", "north": "north",
	"s": "south", "south": "south",
	"e": "east", "east": "east",
	"w": "west", "west": "west",
	"u": "up", "up": "up", "climb": "up", "ascend": "up",
	"d": "down", "down": "down", "descend": "down",
	"in": "in", "inside": "in", "enter": "in",
	"out": "out", "outside": "out", "exit": "out", "leave": "out",
}

// Game is the serialized per-session state.
type Game struct {
	Room string `yaml:"room"`
	// Locations holds the room of every item not carried.
	Locations map[string]string `yaml:"locations"`
	Inventory []string          `yaml:"inventory"`
	Visited   map[string]bool   `yaml:"visited"`
	Turns     int               `yaml:"turns"`
	Over      bool              `yaml:"over,omitempty"`
}

type Engine struct {
	world *World
}

var _ engine.Engine = &Engine{}

func New(world *World) *Engine {
	return &Engine{world: world}
}

// Start creates a fresh game. The "would you like instructions" question is answered no, so
// the opening output is the first room description.
func (e *Engine) Start() (engine.State, string, error) {
	g := &Game{
		Room:      e.world.Start,
		Locations: map[string]string{},
		Visited:   map[string]bool{},
	}
	for _, it := range e.world.Items {
		g.Locations[it.ID] = it.Location
	}
	return g, e.describe(g, true), nil
}

func (e *Engine) Apply(st engine.State, tokens []string) (string, error) {
	g, ok := st.(*Game)
	if !ok || g == nil {
		return "", errors.Errorf("cave: unexpected state type %T", st)
	}
	if g.Over {
		return msgGameOver, nil
	}
	if len(tokens) == 0 {
		return msgEmpty, nil
	}
	g.Turns++

	verb, rest := tokens[0], tokens[1:]
	if verb == "go" || verb == "walk" || verb == "run" {
		if len(rest) == 0 {
			return "Where?", nil
		}
		verb, rest = rest[0], rest[1:]
	}
	if dir, ok := directions[verb]; ok {
		return e.move(g, dir), nil
	}

	switch verb {
	case "look", "l":
		return e.describe(g, true), nil
	case "take", "get", "carry":
		return e.take(g, rest), nil
	case "drop", "discard":
		return e.drop(g, rest), nil
	case "inventory", "inv", "i":
		return e.inventory(g), nil
	case "score":
		return e.score(g), nil
	case "help", "info":
		return msgHelp, nil
	case "quit", "stop":
		g.Over = true
		return e.score(g) + " " + msgGameOver, nil
	}
	return msgUnknown, nil
}

func (e *Engine) Serialize(st engine.State) ([]byte, error) {
	g, ok := st.(*Game)
	if !ok || g == nil {
		return nil, errors.Errorf("cave: unexpected state type %T", st)
	}
	b, err := yaml.Marshal(g)
	if err != nil {
		return nil, errors.Wrap(err, "cave: marshal state")
	}
	return b, nil
}

func (e *Engine) Deserialize(b []byte) (engine.State, error) {
	var g Game
	if err := yaml.Unmarshal(b, &g); err != nil {
		return nil, errors.Wrap(err, "cave: unmarshal state")
	}
	if _, ok := e.world.Rooms[g.Room]; !ok {
		return nil, errors.Errorf("cave: state refers to unknown room %q", g.Room)
	}
	if g.Locations == nil {
		g.Locations = map[string]string{}
	}
	if g.Visited == nil {
		g.Visited = map[string]bool{}
	}
	return &g, nil
}

func (e *Engine) move(g *Game, dir string) string {
	room := e.world.Rooms[g.Room]
	exit, ok := room.Exits[dir]
	if !ok {
		return msgNoWay
	}
	if exit.Requires != "" && !g.carrying(exit.Requires) {
		if exit.Blocked != "" {
			return exit.Blocked
		}
		return msgNoWay
	}
	g.Room = exit.To
	return e.describe(g, false)
}

func (e *Engine) describe(g *Game, full bool) string {
	room := e.world.Rooms[g.Room]
	if room.Dark && !e.lit(g) {
		return msgDark
	}
	var b strings.Builder
	if full || !g.Visited[g.Room] {
		b.WriteString(strings.TrimSpace(room.Description))
	} else {
		b.WriteString(room.Short)
	}
	g.Visited[g.Room] = true
	for _, it := range e.world.Items {
		if g.Locations[it.ID] == g.Room {
			b.WriteString(" ")
			b.WriteString(it.Description)
		}
	}
	return b.String()
}

// lit reports whether the player can see: a light source is carried or lies in the room.
func (e *Engine) lit(g *Game) bool {
	for _, it := range e.world.Items {
		if !it.Light {
			continue
		}
		if g.carrying(it.ID) || g.Locations[it.ID] == g.Room {
			return true
		}
	}
	return false
}

func (e *Engine) take(g *Game, rest []string) string {
	if len(rest) == 0 {
		return "Take what?"
	}
	id, ok := e.world.byWord[rest[0]]
	if !ok {
		return fmt.Sprintf(msgNotHere, rest[0])
	}
	if g.carrying(id) {
		return "You are already carrying it!"
	}
	if g.Locations[id] != g.Room || (e.world.Rooms[g.Room].Dark && !e.lit(g)) {
		return fmt.Sprintf(msgNotHere, rest[0])
	}
	delete(g.Locations, id)
	g.Inventory = append(g.Inventory, id)
	return "OK"
}

func (e *Engine) drop(g *Game, rest []string) string {
	if len(rest) == 0 {
		return "Drop what?"
	}
	id, ok := e.world.byWord[rest[0]]
	if !ok || !g.carrying(id) {
		return msgNotCarry
	}
	for i, carried := range g.Inventory {
		if carried == id {
			g.Inventory = append(g.Inventory[:i], g.Inventory[i+1:]...)
			break
		}
	}
	g.Locations[id] = g.Room
	return "OK"
}

func (e *Engine) inventory(g *Game) string {
	if len(g.Inventory) == 0 {
		return msgEmptyHand
	}
	names := make([]string, 0, len(g.Inventory))
	for _, id := range g.Inventory {
		if it, ok := e.world.item(id); ok {
			names = append(names, it.Name)
		}
	}
	return "You are currently holding the following: " + strings.Join(names, ", ") + "."
}

// Score counts treasures left in the deposit room.
func (e *Engine) Score(g *Game) int {
	total := 0
	if e.world.Deposit == "" {
		return 0
	}
	for _, it := range e.world.Items {
		if it.Points > 0 && g.Locations[it.ID] == e.world.Deposit {
			total += it.Points
		}
	}
	return total
}

func (e *Engine) score(g *Game) string {
	return fmt.Sprintf("You have scored %d out of a possible %d, using %d turns.", e.Score(g), e.world.maxScore(), g.Turns)
}

func (g *Game) carrying(id string) bool {
	for _, carried := range g.Inventory {
		if carried == id {
			return true
		}
	}
	return false
}
