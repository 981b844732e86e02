package cmds

import (
	"context"
	"unicode/utf8"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/grotto/pkg/chunker"
)

type SplitSettings struct {
	Text      string `glazed:"text"`
	MaxLength int    `glazed:"max-length"`
	Numbering bool   `glazed:"numbering"`
	Tokens    bool   `glazed:"tokens"`
}

type SplitCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &SplitCommand{}

func NewSplitCommand() (*SplitCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	return &SplitCommand{
		CommandDescription: cmds.NewCommandDescription(
			"split",
			cmds.WithShort("Show how a response would be split into messages"),
			cmds.WithFlags(
				fields.New("max-length", fields.TypeInteger, fields.WithDefault(chunker.DefaultMaxLength), fields.WithHelp("Maximum characters per message")),
				fields.New("numbering", fields.TypeBool, fields.WithDefault(true), fields.WithHelp("Prefix segments with i/n")),
				fields.New("tokens", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Print the tokens instead of the segments")),
			),
			cmds.WithArguments(
				fields.New("text", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Text to split")),
			),
			cmds.WithSections(glazedSection, commandSettingsSection),
		),
	}, nil
}

func (c *SplitCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &SplitSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}

	parts := chunker.Tokenize(s.Text)
	if !s.Tokens {
		var err error
		parts, err = chunker.Split(s.Text, s.MaxLength, s.Numbering)
		if err != nil {
			return err
		}
	}
	for i, p := range parts {
		row := types.NewRow(
			types.MRP("index", i),
			types.MRP("length", utf8.RuneCountInString(p)),
			types.MRP("text", p),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
