package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/daviddao/labcoord/pkg/config"
	"github.com/daviddao/labcoord/pkg/enrollment"
	"github.com/daviddao/labcoord/pkg/model"
	"github.com/daviddao/labcoord/pkg/notify"
	"github.com/daviddao/labcoord/pkg/reservation"
	"github.com/daviddao/labcoord/pkg/store"
	"github.com/daviddao/labcoord/pkg/workflow"
)

// flushTimeout bounds how long Close waits for queued notifications.
const flushTimeout = 2 * time.Second

// app holds shared state for all CLI subcommands.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *store.Store
	notes  *notify.Dispatcher
	enroll *enrollment.Engine
	tasks  *workflow.Engine
	res    *reservation.Engine

	out  io.Writer
	json bool

	actorID string // from --actor or LABCOORD_ACTOR
	role    string // from --role or LABCOORD_ROLE
}

// newApp loads configuration, opens the database and wires the engines.
// Creates the database's parent directory if needed.
func newApp(opts *rootOptions, out, errOut io.Writer) (*app, error) {
	cfg, err := config.Load(flagOr(opts.Config, config.EnvConfig, ""))
	if err != nil {
		return nil, err
	}
	if opts.DB != "" {
		cfg.Database.Path = opts.DB
	}
	log := cfg.Log.NewLogger(errOut, opts.Verbose)

	dbPath := cfg.Database.Path
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.Open(dbPath, store.Options{
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", dbPath, err)
	}
	log.Debug("database ready", "path", dbPath)

	notes := notify.NewDispatcher(s, cfg.Notify.QueueSize, log)
	return &app{
		cfg:    cfg,
		log:    log,
		store:  s,
		notes:  notes,
		enroll: enrollment.New(s, enrollment.Options{Emitter: notes, Logger: log}),
		tasks:  workflow.New(s, workflow.Options{Emitter: notes, Logger: log}),
		res: reservation.New(s, reservation.Options{
			Emitter:       notes,
			Logger:        log,
			SearchHorizon: cfg.Reservation.SlotSearchHorizon,
		}),
		out:     out,
		json:    opts.JSON,
		actorID: flagOr(opts.Actor, config.EnvActor, ""),
		role:    flagOr(opts.Role, config.EnvRole, string(model.RoleStudent)),
	}, nil
}

// Close flushes pending notifications and releases the database.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := a.notes.Close(ctx); err != nil {
		a.log.Warn("notifications not flushed", "error", err)
	}
	a.store.Close()
}

// resolveActor returns the acting identity from --actor/--role, falling
// back to LABCOORD_ACTOR/LABCOORD_ROLE.
func (a *app) resolveActor() (model.Actor, error) {
	if a.actorID == "" {
		return model.Actor{}, fmt.Errorf("no actor: pass --actor or set %s", config.EnvActor)
	}
	role := model.Role(a.role)
	if !role.Valid() {
		return model.Actor{}, fmt.Errorf("unknown role %q: want student, faculty or admin", a.role)
	}
	return model.Actor{ID: a.actorID, Role: role}, nil
}

// printJSON writes v to the command output as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// printf writes a line of text output.
func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
