package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"@grotto go north", []string{"go", "north"}},
		{"@grotto @friend Take LAMP", []string{"take", "lamp"}},
		{"  look  #adventure  ", []string{"look"}},
		{"give lamp to @troll", []string{"give", "lamp", "to", "@troll"}},
		{"@grotto", []string{}},
		{"", []string{}},
	}
	for _, c := range cases {
		require.Equal(t, c.want, Tokenize(c.in), "input %q", c.in)
	}
}
