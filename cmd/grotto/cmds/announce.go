package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
)

type AnnounceSettings struct {
	Actor string `glazed:"actor"`
}

type AnnounceCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &AnnounceCommand{}

func NewAnnounceCommand() (*AnnounceCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	sections, err := botSections()
	if err != nil {
		return nil, err
	}
	return &AnnounceCommand{
		CommandDescription: cmds.NewCommandDescription(
			"announce",
			cmds.WithShort("Post the opening of a new adventure as a top-level message"),
			cmds.WithLong("Start a session nobody asked for. Anyone replying to the posted message continues that game."),
			cmds.WithFlags(
				fields.New(
					"actor",
					fields.TypeString,
					fields.WithHelp("Handle recorded as the player of the announced session"),
				),
			),
			cmds.WithSections(append([]schema.Section{glazedSection, commandSettingsSection}, sections...)...),
		),
	}, nil
}

func (c *AnnounceCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &AnnounceSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "init announce settings")
	}
	b, err := newBot(ctx, parsed)
	if err != nil {
		return err
	}
	defer b.Close()

	ids, err := b.ctrl.StartSession(ctx, s.Actor)
	if err != nil {
		return errors.Wrap(err, "announce")
	}
	for i, id := range ids {
		row := types.NewRow(
			types.MRP("message_id", id),
			types.MRP("segment", i+1),
			types.MRP("segments", len(ids)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
