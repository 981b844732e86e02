package cmds

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/grotto/pkg/controller"
	"github.com/go-go-golems/grotto/pkg/feed"
	"github.com/go-go-golems/grotto/pkg/metrics"
	"github.com/go-go-golems/grotto/pkg/pollcursor"
	"github.com/go-go-golems/grotto/pkg/turnevents"
)

type RunSettings struct {
	MetricsAddr string `glazed:"metrics-addr"`
}

type RunCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = &RunCommand{}

func NewRunCommand() (*RunCommand, error) {
	sections, err := botSections()
	if err != nil {
		return nil, err
	}
	return &RunCommand{
		CommandDescription: cmds.NewCommandDescription(
			"run",
			cmds.WithShort("Poll the feed and play adventures in reply threads"),
			cmds.WithLong("Verify the feed credentials, then poll for mentions every --poll-interval seconds, answering each one as a turn of a text adventure until interrupted."),
			cmds.WithFlags(
				fields.New(
					"metrics-addr",
					fields.TypeString,
					fields.WithHelp("Serve Prometheus metrics on this address (e.g. :9090)"),
				),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *RunCommand) Run(ctx context.Context, parsed *values.Values) error {
	rs := &RunSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, rs); err != nil {
		return errors.Wrap(err, "init run settings")
	}
	b, err := newBot(ctx, parsed)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return b.ctrl.Run(ctx)
	})

	if b.events.Subscriber != nil {
		router, err := turnevents.NewRouter(b.events.Subscriber, "log-turns", func(ev turnevents.Event) error {
			log.Debug().Ints64("message_ids", ev.MessageIDs).Str("session_id", ev.SessionID).Bool("new_session", ev.NewSession).Msg("turn event")
			return nil
		})
		if err != nil {
			return err
		}
		eg.Go(func() error {
			return router.Run(ctx)
		})
	}

	if rs.MetricsAddr != "" {
		srv := &http.Server{Addr: rs.MetricsAddr, Handler: b.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			log.Info().Str("addr", rs.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info().Str("handle", b.handle).Msg("grotto is running")
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// bot bundles everything run and announce share.
type bot struct {
	handle  string
	ctrl    *controller.Controller
	cursor  *pollcursor.Cursor
	events  *turnevents.Bus
	metrics *metrics.Metrics
	closers []func() error
}

func (b *bot) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close")
		}
	}
}

func newBot(ctx context.Context, parsed *values.Values) (*bot, error) {
	var (
		ss StoreSettings
		fs FeedSettings
		bs BotSettings
		es turnevents.Settings
	)
	if err := decodeSections(parsed, map[string]any{
		storeSlug:              &ss,
		feedSlug:               &fs,
		botSlug:                &bs,
		turnevents.SectionSlug: &es,
	}); err != nil {
		return nil, err
	}

	tr, err := newHTTPFeed(fs, bs.BatchSize)
	if err != nil {
		return nil, err
	}
	handle, err := tr.VerifyCredentials(ctx)
	if err != nil {
		if errors.Is(err, feed.ErrAuth) {
			return nil, errors.Wrap(err, "feed rejected credentials")
		}
		return nil, errors.Wrap(err, "verify feed credentials")
	}
	log.Info().Str("handle", handle).Msg("feed authentication OK")

	b := &bot{handle: handle, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	store, err := openStore(ss)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, store.Close)

	eng, err := bs.engine()
	if err != nil {
		return nil, err
	}
	cfg, err := bs.controllerConfig(handle)
	if err != nil {
		return nil, err
	}

	b.events, err = turnevents.NewBus(es)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.events.Close)

	b.cursor = pollcursor.New(store, pollcursor.DefaultField, cfg.StartID)
	b.ctrl, err = controller.New(cfg, tr, store, b.cursor, eng,
		controller.WithEvents(b.events),
		controller.WithMetrics(b.metrics),
	)
	if err != nil {
		return nil, err
	}
	ok = true
	return b, nil
}
