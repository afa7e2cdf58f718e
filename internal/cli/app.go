package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/convsync/internal/config"
	"github.com/tOgg1/convsync/internal/db"
	"github.com/tOgg1/convsync/internal/engine"
	"github.com/tOgg1/convsync/internal/events"
	"github.com/tOgg1/convsync/internal/gateway"
	"github.com/tOgg1/convsync/internal/gesture"
	"github.com/tOgg1/convsync/internal/readstate"
	"github.com/tOgg1/convsync/internal/syncer"
)

// app is the fully wired client used by every command except mock-server.
type app struct {
	cfg        *config.Config
	db         *db.DB
	gateway    *gateway.HTTPGateway
	publisher  *events.InMemoryPublisher
	engine     *engine.Engine
	controller *gesture.Controller
	scheduler  *syncer.Scheduler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	database, err := db.Open(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}

	gw, err := gateway.NewHTTPGateway(gateway.Config{
		BaseURL:           cfg.Gateway.BaseURL,
		SocketURL:         cfg.SocketURL(),
		Token:             cfg.Gateway.Token,
		RequestTimeout:    cfg.Gateway.RequestTimeout,
		ReconnectInterval: cfg.Gateway.ReconnectInterval,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	publisher := events.NewInMemoryPublisher()
	eng := engine.New(engine.Config{
		SelfID:    cfg.User.ID,
		TypingTTL: cfg.Typing.TTL,
	}, engine.Deps{
		Remote:    gw,
		Publisher: publisher,
		Persister: readstate.NewPersister(database, cfg.State.SaveDebounce),
	})
	if err := eng.LoadReadState(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}

	controller := gesture.NewController(gesture.Config{
		JitterThreshold: cfg.Gesture.JitterThreshold,
		CommitThreshold: cfg.Gesture.CommitThreshold,
		ActionWidth:     cfg.Gesture.ActionWidth,
	}, eng, gw, publisher)

	scheduler := syncer.NewScheduler(syncer.Config{Interval: cfg.Sync.Interval}, gw, eng)
	eng.SetPoller(scheduler)

	return &app{
		cfg:        cfg,
		db:         database,
		gateway:    gw,
		publisher:  publisher,
		engine:     eng,
		controller: controller,
		scheduler:  scheduler,
	}, nil
}

// refresh performs one synchronous poll.
func (a *app) refresh(ctx context.Context) error {
	startedAt := time.Now().UTC()
	convs, err := a.gateway.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}
	a.engine.ApplySnapshot(startedAt, convs)
	return nil
}

// swipeOpen reveals the actions of a row the way a full leftward swipe
// would.
func (a *app) swipeOpen(id string) {
	a.controller.DragMove(id, -a.cfg.Gesture.ActionWidth)
	a.controller.Release(id)
}

func (a *app) close() error {
	var errs []error
	if a.scheduler.IsRunning() {
		if err := a.scheduler.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.engine.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	a.publisher.Close()
	return errors.Join(errs...)
}
