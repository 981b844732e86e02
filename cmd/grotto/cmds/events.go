package cmds

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/grotto/pkg/turnevents"
)

func AddEventsCommand(root *cobra.Command) {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Follow turn events",
	}
	tailCmd, err := NewEventsTailCommand()
	cobra.CheckErr(err)
	cobraTailCmd, err := cli.BuildCobraCommand(tailCmd, cli.WithCobraMiddlewaresFunc(Middlewares))
	cobra.CheckErr(err)
	eventsCmd.AddCommand(cobraTailCmd)
	root.AddCommand(eventsCmd)
}

type EventsTailCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &EventsTailCommand{}

func NewEventsTailCommand() (*EventsTailCommand, error) {
	redisSection, err := turnevents.NewSection()
	if err != nil {
		return nil, err
	}
	return &EventsTailCommand{
		CommandDescription: cmds.NewCommandDescription(
			"tail",
			cmds.WithShort("Print turn events from Redis Streams as JSON lines"),
			cmds.WithSections(redisSection),
		),
	}, nil
}

func (c *EventsTailCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	es := &turnevents.Settings{}
	if err := parsed.DecodeSectionInto(turnevents.SectionSlug, es); err != nil {
		return err
	}
	if !es.Enabled {
		return errors.New("events tail reads from redis streams, pass --redis-enabled")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := turnevents.EnsureGroupAtTail(ctx, es.Addr, turnevents.Topic, es.Group); err != nil {
		return err
	}
	sub, err := turnevents.NewGroupSubscriber(*es)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	enc := json.NewEncoder(w)
	router, err := turnevents.NewRouter(sub, "tail", func(ev turnevents.Event) error {
		return enc.Encode(ev)
	})
	if err != nil {
		return err
	}
	log.Info().Str("addr", es.Addr).Str("group", es.Group).Str("consumer", es.Consumer).Msg("tailing turn events")
	return router.Run(ctx)
}
