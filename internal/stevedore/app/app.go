// Package app wires the Stevedore subsystems together and runs the bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/stevedore/common/retry"
	"github.com/bdobrica/stevedore/internal/stevedore/commands"
	"github.com/bdobrica/stevedore/internal/stevedore/config"
	"github.com/bdobrica/stevedore/internal/stevedore/engine"
	"github.com/bdobrica/stevedore/internal/stevedore/engine/docker"
	"github.com/bdobrica/stevedore/internal/stevedore/matrix"
	"github.com/bdobrica/stevedore/internal/stevedore/store"
)

// App is the assembled Stevedore application.
type App struct {
	cfg          *config.Config
	store        *store.Store
	matrix       *matrix.Client
	engine       engine.Engine
	router       *commands.Router
	handlers     *commands.Handlers
	healthServer *HealthServer
}

// New builds the application from configuration: database first, then the
// Matrix transport, then the engine gateway, then command routing.
func New(cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.Storage.DatabasePath)
	st, err := store.New(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Inject the DB so the client can persist the sync token across restarts.
	slog.Info("connecting to Matrix", "homeserver", cfg.Matrix.Homeserver)
	matrixClient, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		AdminRooms:  cfg.Matrix.AdminRooms,
		DB:          st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	gateway, err := docker.NewWithOptions(docker.Options{
		StopTimeout: cfg.Engine.StopTimeout.Std(),
		LogsTimeout: cfg.Engine.LogsTimeout.Std(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize engine gateway: %w", err)
	}

	router := commands.NewRouter(cfg.Matrix.CommandPrefix)
	handlers := commands.NewHandlers(commands.HandlersConfig{
		Engine:          gateway,
		Store:           st,
		Prefix:          cfg.Matrix.CommandPrefix,
		LogsTailDefault: cfg.Engine.LogsTailDefault,
		LogsTailMax:     cfg.Engine.LogsTailMax,
	})

	var healthServer *HealthServer
	if cfg.Health.Enabled {
		healthServer = NewHealthServer(cfg.Health.ListenAddr, st, gateway)
		slog.Info("health server configured", "addr", cfg.Health.ListenAddr)
	}

	return &App{
		cfg:          cfg,
		store:        st,
		matrix:       matrixClient,
		engine:       gateway,
		router:       router,
		handlers:     handlers,
		healthServer: healthServer,
	}, nil
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	// Probe the engine at startup. Failure is not fatal: the daemon may come
	// up after the bot, and every command carries its own error handling.
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err := retry.Do(pingCtx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		ShouldRetry:  func(err error) bool { return errors.Is(err, engine.ErrUnavailable) },
	}, func() error { return a.engine.Ping(pingCtx) })
	pingCancel()
	if err != nil {
		slog.Warn("engine unreachable at startup; commands will fail until it recovers", "err", err)
	} else {
		slog.Info("engine reachable")
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	for _, roomID := range a.cfg.Matrix.AdminRooms {
		a.matrix.SendNotice(roomID, fmt.Sprintf("🚢 Stevedore started. Type %s help for commands.", a.cfg.Matrix.CommandPrefix))
	}

	slog.Info("Stevedore is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop shuts the application down in reverse construction order.
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}

// handleMessage processes one incoming Matrix message: allowlist, parse,
// dispatch, reply.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}
	text := msgContent.Body

	cmd, err := a.router.Parse(text)
	if err != nil {
		if errors.Is(err, commands.ErrNotACommand) {
			// Ordinary chat. Ignore silently.
			return
		}
		a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(), fmt.Sprintf("❌ Error: %s", err))
		return
	}

	// The allowlist is enforced after parsing so ordinary chat from unlisted
	// users stays unanswered, while a rejected command gets an explicit
	// refusal instead of silence.
	sender := evt.Sender.String()
	if !a.cfg.SenderAllowed(sender) {
		slog.Warn("command from unlisted sender rejected", "sender", sender, "verb", cmd.Verb)
		a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(),
			"⛔ You are not authorized to issue commands.")
		return
	}

	response, err := a.handlers.Dispatch(ctx, cmd, evt)
	if err != nil {
		a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(), fmt.Sprintf("❌ Error: %s", err))
		return
	}

	if response != "" {
		htmlBody := markdownToHTML(response)
		if err := a.matrix.SendFormattedMessage(evt.RoomID.String(), htmlBody, response); err != nil {
			slog.Error("failed to send response", "room", evt.RoomID.String(), "err", err)
		}
	}
}
