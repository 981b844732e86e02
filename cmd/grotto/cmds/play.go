package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"

	"github.com/go-go-golems/grotto/pkg/controller"
	"github.com/go-go-golems/grotto/pkg/feed/memfeed"
	"github.com/go-go-golems/grotto/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grotto/pkg/pollcursor"
)

const playHandle = "grotto"

type PlaySettings struct {
	Player string `glazed:"player"`
}

type PlayCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = &PlayCommand{}

func NewPlayCommand() (*PlayCommand, error) {
	botSection, err := NewBotSection()
	if err != nil {
		return nil, err
	}
	return &PlayCommand{
		CommandDescription: cmds.NewCommandDescription(
			"play",
			cmds.WithShort("Play locally through an in-memory feed"),
			cmds.WithLong("Every line read from stdin is posted as a reply to the bot's last message and goes through the same controller as the real feed. /new starts a new thread, /quit leaves."),
			cmds.WithFlags(
				fields.New("player", fields.TypeString, fields.WithDefault("player"), fields.WithHelp("Handle to play as")),
			),
			cmds.WithSections(botSection),
		),
	}, nil
}

func (c *PlayCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	ps := &PlaySettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, ps); err != nil {
		return err
	}
	bs := &BotSettings{}
	if err := parsed.DecodeSectionInto(botSlug, bs); err != nil {
		return err
	}

	store := sessionstore.NewInMemoryStore()
	defer func() { _ = store.Close() }()

	eng, err := bs.engine()
	if err != nil {
		return err
	}
	cfg, err := bs.controllerConfig(playHandle)
	if err != nil {
		return err
	}
	cfg.StartID = 0

	mf := memfeed.New(playHandle, 0)
	ctrl, err := controller.New(cfg, mf, store, pollcursor.New(store, pollcursor.DefaultField, 0), eng)
	if err != nil {
		return err
	}

	s := &playSession{ctrl: ctrl, feed: mf, player: ps.Player, w: w}
	if err := s.say(ctx, "start"); err != nil {
		return err
	}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		_, _ = fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/new":
			s.last = 0
			line = "start"
		}
		if err := s.say(ctx, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type playSession struct {
	ctrl   *controller.Controller
	feed   *memfeed.Feed
	player string
	w      io.Writer
	last   int64
}

// say posts line as a reply to the bot's last message and prints the answer.
func (s *playSession) say(ctx context.Context, line string) error {
	id := s.feed.Mention(s.player, "@"+playHandle+" "+line, s.last)
	if _, err := s.ctrl.RunCycle(ctx); err != nil {
		return err
	}
	replies := s.feed.RepliesTo(id)
	if len(replies) == 0 {
		_, _ = fmt.Fprintln(s.w, "(no reply)")
		return nil
	}
	for _, r := range replies {
		_, _ = fmt.Fprintln(s.w, r.Text)
	}
	s.last = replies[len(replies)-1].ID
	return nil
}
