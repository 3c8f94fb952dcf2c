// Package pipeline implements the task workers: download, subtitle
// extraction, translation, hard-sub encode and upload.
//
// Workers are stateless between runs. Each run takes a settings snapshot at
// start, so configuration changes only affect tasks started afterwards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"workshop/config"
	"workshop/fault"
	"workshop/process"
	"workshop/progress"
	"workshop/task"
)

// SettingsSource hands out frozen settings snapshots. *config.Store is the
// production implementation.
type SettingsSource interface {
	Snapshot() config.Settings
}

// StaticSettings serves a fixed snapshot.
type StaticSettings config.Settings

func (s StaticSettings) Snapshot() config.Settings { return config.Settings(s) }

// LookPathFunc resolves a tool name to an executable path.
type LookPathFunc func(file string) (string, error)

// Deps are the collaborators shared by the process-backed workers.
type Deps struct {
	Settings SettingsSource
	Exec     process.Executor
	Logger   *logrus.Logger
	LookPath LookPathFunc
}

func (d Deps) logger() *logrus.Logger {
	if d.Logger == nil {
		return logrus.StandardLogger()
	}
	return d.Logger
}

func (d Deps) entry(t task.Task) *logrus.Entry {
	return d.logger().WithFields(logrus.Fields{"kind": t.Kind, "task_id": t.ID})
}

// lookTool resolves a configured tool path, failing with a Configuration
// error when it is missing.
func (d Deps) lookTool(name, path string) (string, error) {
	if path == "" {
		return "", fault.Configuration("%s path is not configured", name)
	}
	look := d.LookPath
	if look == nil {
		look = exec.LookPath
	}
	resolved, err := look(path)
	if err != nil {
		return "", fault.Wrap(fault.KindConfiguration, err, "%s not found: %s", name, path)
	}
	return resolved, nil
}

// ensureWritableDir creates dir if needed and proves it accepts new files.
func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "cannot create destination %s", dir)
	}
	f, err := os.CreateTemp(dir, ".workshop-probe-*")
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, err, "destination is not writable: %s", dir)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

func argsOf[T task.Args](t task.Task) (T, error) {
	a, ok := t.Args.(T)
	if !ok {
		var zero T
		return zero, fault.New(fault.KindInternal, "unexpected arguments %T for %s task", t.Args, t.Kind)
	}
	return a, nil
}

// runTool executes cmd, feeding every line to parser and forwarding updates
// to r. With echo set, raw lines are also published as output events.
func runTool(ctx context.Context, ex process.Executor, cmd process.Command, parser progress.Parser, r task.Reporter, echo bool) error {
	detector, _ := parser.(progress.FatalDetector)
	var fatal string

	err := ex.Run(ctx, cmd, func(stream process.Stream, line string) {
		if echo {
			r.Output(string(stream), line)
		}
		if detector != nil && fatal == "" {
			if msg, ok := detector.Fatal(line); ok {
				fatal = msg
			}
		}
		if u, ok := parser.Parse(stream, line); ok {
			r.Progress(u)
		}
	})
	return classifyRun(ctx, cmd, err, fatal)
}

// classifyRun maps a process outcome onto the error taxonomy. A recognised
// fatal line fails the run even when the tool exits zero.
func classifyRun(ctx context.Context, cmd process.Command, err error, fatal string) error {
	var (
		spawn  *process.SpawnError
		exited *process.ExitError
	)
	switch {
	case err == nil && fatal == "":
		return nil
	case err == nil:
		return fault.External("%s", fatal)
	case errors.Is(err, process.ErrForcedTerminateTimeout):
		return fault.Wrap(fault.KindExternal, fmt.Errorf("%w: %s", fault.ErrForcedTerminateTimeout, cmd.Path), "%s", fault.ErrForcedTerminateTimeout.Error())
	case errors.Is(err, process.ErrKilled):
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fault.Wrap(fault.KindExternal, ctx.Err(), "%s timed out", cmd.Path)
		}
		return fault.Wrap(fault.KindCancelled, context.Canceled, "cancelled")
	case errors.As(err, &spawn):
		return fault.Wrap(fault.KindExternal, err, "failed to start %s", cmd.Path)
	case errors.As(err, &exited):
		if fatal != "" {
			return fault.Wrap(fault.KindExternal, err, "%s", fatal)
		}
		return fault.Wrap(fault.KindExternal, err, "%s", exited.Error())
	}
	return fault.Classify(err)
}
