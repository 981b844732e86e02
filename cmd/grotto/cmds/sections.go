package cmds

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/grotto/pkg/chunker"
	"github.com/go-go-golems/grotto/pkg/controller"
	"github.com/go-go-golems/grotto/pkg/engine/cave"
	"github.com/go-go-golems/grotto/pkg/feed/httpfeed"
	"github.com/go-go-golems/grotto/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grotto/pkg/turnevents"
)

const (
	storeSlug = "store"
	feedSlug  = "feed"
	botSlug   = "bot"
)

type StoreSettings struct {
	DB string `glazed:"db"`
}

func NewStoreSection() (schema.Section, error) {
	return schema.NewSection(
		storeSlug,
		"Session store",
		schema.WithFields(
			fields.New("db", fields.TypeString, fields.WithDefault("grotto.sqlite"), fields.WithHelp("SQLite database holding snapshots, turns and the poll watermark")),
		),
	)
}

func openStore(s StoreSettings) (*sessionstore.SQLiteStore, error) {
	if strings.TrimSpace(s.DB) == "" {
		return nil, errors.New("--db is required")
	}
	dsn, err := sessionstore.SQLiteDSNForFile(s.DB)
	if err != nil {
		return nil, err
	}
	return sessionstore.NewSQLiteStore(dsn)
}

type FeedSettings struct {
	URL          string `glazed:"feed-url"`
	Token        string `glazed:"feed-token"`
	PageSize     int    `glazed:"feed-page-size"`
	RequestsPerM int    `glazed:"feed-requests-per-minute"`
	RetrySeconds int    `glazed:"feed-retry-seconds"`
}

func NewFeedSection() (schema.Section, error) {
	return schema.NewSection(
		feedSlug,
		"Feed API",
		schema.WithFields(
			fields.New("feed-url", fields.TypeString, fields.WithHelp("Base URL of the feed API")),
			fields.New("feed-token", fields.TypeString, fields.WithHelp("Bearer token for the feed API (prefer GROTTO_FEED_TOKEN)")),
			fields.New("feed-page-size", fields.TypeInteger, fields.WithDefault(controller.DefaultBatchSize), fields.WithHelp("Mentions requested per page")),
			fields.New("feed-requests-per-minute", fields.TypeInteger, fields.WithDefault(60), fields.WithHelp("Pace feed API calls (0 = unpaced)")),
			fields.New("feed-retry-seconds", fields.TypeInteger, fields.WithDefault(120), fields.WithHelp("Give up retrying a feed call after this many seconds")),
		),
	)
}

// newHTTPFeed builds the feed client. maxMessages is the controller batch size: a poll never pages
// further than one batch can use.
func newHTTPFeed(s FeedSettings, maxMessages int) (*httpfeed.Client, error) {
	cfg := httpfeed.Config{
		BaseURL:     s.URL,
		Token:       s.Token,
		PageSize:    s.PageSize,
		MaxMessages: maxMessages,
		MaxElapsed:  time.Duration(s.RetrySeconds) * time.Second,
	}
	if s.RequestsPerM > 0 {
		cfg.RequestsPerSecond = float64(s.RequestsPerM) / 60
		cfg.Burst = 1
	}
	return httpfeed.New(cfg)
}

type BotSettings struct {
	StartID         string `glazed:"start-id"`
	BatchSize       int    `glazed:"batch-size"`
	PollInterval    int    `glazed:"poll-interval"`
	DispatchTimeout int    `glazed:"dispatch-timeout"`
	MaxLength       int    `glazed:"max-length"`
	Numbering       bool   `glazed:"numbering"`
	Salutation      bool   `glazed:"salutation"`
	World           string `glazed:"world"`
}

func NewBotSection() (schema.Section, error) {
	return schema.NewSection(
		botSlug,
		"Bot behaviour",
		schema.WithFields(
			fields.New("start-id", fields.TypeString, fields.WithDefault(strconv.FormatInt(controller.DefaultStartID, 10)), fields.WithHelp("Watermark used when none is stored yet")),
			fields.New("batch-size", fields.TypeInteger, fields.WithDefault(controller.DefaultBatchSize), fields.WithHelp("Messages processed per polling cycle")),
			fields.New("poll-interval", fields.TypeInteger, fields.WithDefault(int(controller.DefaultPollInterval/time.Second)), fields.WithHelp("Seconds to sleep between polling cycles")),
			fields.New("dispatch-timeout", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Seconds one polling cycle may take (0 = unbounded)")),
			fields.New("max-length", fields.TypeInteger, fields.WithDefault(chunker.DefaultMaxLength), fields.WithHelp("Maximum characters per posted message")),
			fields.New("numbering", fields.TypeBool, fields.WithDefault(true), fields.WithHelp("Prefix split responses with i/n")),
			fields.New("salutation", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Start every response with @player")),
			fields.New("world", fields.TypeString, fields.WithHelp("YAML world file (default: built-in cave)")),
		),
	)
}

func (s BotSettings) controllerConfig(botHandle string) (controller.Config, error) {
	cfg := controller.DefaultConfig()
	if s.StartID != "" {
		id, err := strconv.ParseInt(s.StartID, 10, 64)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid --start-id %q", s.StartID)
		}
		cfg.StartID = id
	}
	cfg.BatchSize = s.BatchSize
	cfg.PollInterval = time.Duration(s.PollInterval) * time.Second
	cfg.DispatchTimeout = time.Duration(s.DispatchTimeout) * time.Second
	cfg.MaxLength = s.MaxLength
	cfg.Numbering = s.Numbering
	cfg.Salutation = s.Salutation
	cfg.BotHandle = botHandle
	return cfg, nil
}

func (s BotSettings) engine() (*cave.Engine, error) {
	var (
		w   *cave.World
		err error
	)
	if s.World != "" {
		w, err = cave.LoadWorld(os.ExpandEnv(filepath.Clean(s.World)))
	} else {
		w, err = cave.DefaultWorld()
	}
	if err != nil {
		return nil, err
	}
	return cave.New(w), nil
}

func decodeSections(parsed *values.Values, targets map[string]any) error {
	for slug, target := range targets {
		if err := parsed.DecodeSectionInto(slug, target); err != nil {
			return errors.Wrapf(err, "decode %s settings", slug)
		}
	}
	return nil
}

// Middlewares resolves fields from flags, arguments, GROTTO_* environment variables and defaults.
func Middlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("GROTTO",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func botSections() ([]schema.Section, error) {
	builders := []func() (schema.Section, error){
		NewStoreSection,
		NewFeedSection,
		NewBotSection,
		turnevents.NewSection,
	}
	out := make([]schema.Section, 0, len(builders))
	for _, build := range builders {
		s, err := build()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
