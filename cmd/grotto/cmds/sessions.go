package cmds

import (
	"context"
	"strconv"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/grotto/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grotto/pkg/pollcursor"
)

func AddSessionsCommand(root *cobra.Command) {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions and turns",
	}

	listCmd, err := NewSessionsListCommand()
	cobra.CheckErr(err)
	lineageCmd, err := NewSessionsLineageCommand()
	cobra.CheckErr(err)
	statsCmd, err := NewSessionsStatsCommand()
	cobra.CheckErr(err)

	for _, c := range []cmds.Command{listCmd, lineageCmd, statsCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(Middlewares))
		cobra.CheckErr(err)
		sessionsCmd.AddCommand(cobraCmd)
	}
	root.AddCommand(sessionsCmd)
}

func storeCommandSections() ([]schema.Section, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	storeSection, err := NewStoreSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{glazedSection, commandSettingsSection, storeSection}, nil
}

func openStoreFrom(parsed *values.Values) (*sessionstore.SQLiteStore, error) {
	var ss StoreSettings
	if err := parsed.DecodeSectionInto(storeSlug, &ss); err != nil {
		return nil, errors.Wrap(err, "decode store settings")
	}
	return openStore(ss)
}

func turnRow(t sessionstore.Turn) types.Row {
	return types.NewRow(
		types.MRP("message_id", t.MessageID),
		types.MRP("in_reply_to_id", t.InReplyToID),
		types.MRP("continues_message_id", t.ContinuesID),
		types.MRP("session_id", t.SessionID),
		types.MRP("actor", t.ActorHandle),
		types.MRP("command", t.CommandText),
		types.MRP("snapshot_id", t.SnapshotID),
		types.MRP("segment", t.SegmentIndex),
		types.MRP("created_at_ms", t.CreatedAtMs),
		types.MRP("response", t.ResponseText),
	)
}

type SessionsListSettings struct {
	SessionID string `glazed:"session-id"`
	Actor     string `glazed:"actor"`
	Limit     int    `glazed:"limit"`
}

type SessionsListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &SessionsListCommand{}

func NewSessionsListCommand() (*SessionsListCommand, error) {
	sections, err := storeCommandSections()
	if err != nil {
		return nil, err
	}
	return &SessionsListCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List recorded turns, newest first"),
			cmds.WithFlags(
				fields.New("session-id", fields.TypeString, fields.WithHelp("Only turns of this session")),
				fields.New("actor", fields.TypeString, fields.WithHelp("Only turns of this player")),
				fields.New("limit", fields.TypeInteger, fields.WithDefault(50), fields.WithHelp("Maximum rows (0 = no limit)")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *SessionsListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &SessionsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := openStoreFrom(parsed)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	turns, err := store.ListTurns(ctx, sessionstore.TurnQuery{SessionID: s.SessionID, ActorHandle: s.Actor, Limit: s.Limit})
	if err != nil {
		return err
	}
	for _, t := range turns {
		if err := gp.AddRow(ctx, turnRow(t)); err != nil {
			return err
		}
	}
	return nil
}

type SessionsLineageSettings struct {
	MessageID string `glazed:"message-id"`
	Limit     int    `glazed:"limit"`
}

type SessionsLineageCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &SessionsLineageCommand{}

func NewSessionsLineageCommand() (*SessionsLineageCommand, error) {
	sections, err := storeCommandSections()
	if err != nil {
		return nil, err
	}
	return &SessionsLineageCommand{
		CommandDescription: cmds.NewCommandDescription(
			"lineage",
			cmds.WithShort("Walk a session back from one of the bot's messages to its opening turn"),
			cmds.WithFlags(
				fields.New("limit", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Maximum turns to walk (0 = all)")),
			),
			cmds.WithArguments(
				fields.New("message-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Id of a message posted by the bot")),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *SessionsLineageCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &SessionsLineageSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	id, err := strconv.ParseInt(s.MessageID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid message id %q", s.MessageID)
	}
	store, err := openStoreFrom(parsed)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	turns, err := store.Lineage(ctx, id, s.Limit)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return errors.Errorf("no turn recorded for message %d", id)
	}
	for _, t := range turns {
		if err := gp.AddRow(ctx, turnRow(t)); err != nil {
			return err
		}
	}
	return nil
}

type SessionsStatsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &SessionsStatsCommand{}

func NewSessionsStatsCommand() (*SessionsStatsCommand, error) {
	sections, err := storeCommandSections()
	if err != nil {
		return nil, err
	}
	return &SessionsStatsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"stats",
			cmds.WithShort("Count snapshots, turns, sessions and players"),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *SessionsStatsCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	store, err := openStoreFrom(parsed)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	st, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	watermark, _, err := store.LoadWatermark(ctx, pollcursor.DefaultField)
	if err != nil {
		return err
	}
	return gp.AddRow(ctx, types.NewRow(
		types.MRP("snapshots", st.Snapshots),
		types.MRP("turns", st.Turns),
		types.MRP("sessions", st.Sessions),
		types.MRP("actors", st.Actors),
		types.MRP("watermark", watermark),
	))
}
