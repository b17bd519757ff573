// Package script executes server-requested scripts and reports their output
// as operation results. Requests are parked in a durable task queue first, so
// an accepted operation survives a restart, and execution happens outside the
// exchange cycle so a slow script never stalls message processing.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/user"
	"time"

	"github.com/outpost-sys/outpost/internal/config"
	"github.com/outpost-sys/outpost/internal/msgstore"
	"github.com/outpost-sys/outpost/internal/proc"
	"github.com/outpost-sys/outpost/internal/registry"
	"github.com/outpost-sys/outpost/internal/taskqueue"
)

const (
	queueName = "script"

	defaultDrainInterval = 10 * time.Second
	defaultTimeLimit     = 5 * time.Minute
	defaultOutputLimit   = 512 * 1024
)

// task is the durable form of one execute-script request.
type task struct {
	OperationID int64   `json:"operation-id"`
	Interpreter string  `json:"interpreter"`
	Code        string  `json:"code"`
	Username    string  `json:"username,omitempty"`
	TimeLimit   float64 `json:"time-limit,omitempty"` // seconds
}

// Plugin runs scripts on the server's behalf.
type Plugin struct {
	sender registry.Sender
	tasks  *taskqueue.Store
	logger *slog.Logger
	cfg    config.ScriptConfig

	drainInterval time.Duration
	run           func(ctx context.Context, spec proc.Spec) (*proc.Result, error)
	currentUser   func() (string, error)
}

// New builds the script plugin.
func New(tasks *taskqueue.Store, cfg config.ScriptConfig, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TimeLimit <= 0 {
		cfg.TimeLimit = defaultTimeLimit
	}
	if cfg.OutputLimitBytes <= 0 {
		cfg.OutputLimitBytes = defaultOutputLimit
	}
	return &Plugin{
		tasks:         tasks,
		logger:        logger.With("plugin", "script"),
		cfg:           cfg,
		drainInterval: defaultDrainInterval,
		run:           proc.Run,
		currentUser: func() (string, error) {
			u, err := user.Current()
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
	}
}

func (p *Plugin) Name() string { return "script" }

// Register wires the plugin into the registry.
func (p *Plugin) Register(r *registry.Registry) error {
	p.sender = r.Sender()
	p.sender.RegisterType("operation-result")
	r.HandleMessage(p.Name(), "execute-script", p.handleExecuteScript)
	r.AddPeriodic(p.Name(), p.drainInterval, p.drain)
	return nil
}

// handleExecuteScript accepts the operation by queueing it. Rejections that
// can be decided immediately, like a prohibited user, fail fast so the
// server is not left waiting for a result that will never come.
func (p *Plugin) handleExecuteScript(ctx context.Context, msg map[string]any) error {
	t := task{
		Interpreter: stringField(msg, "interpreter"),
		Code:        stringField(msg, "code"),
		Username:    stringField(msg, "username"),
	}
	if opID, ok := msg["operation-id"].(float64); ok {
		t.OperationID = int64(opID)
	}
	if limit, ok := msg["time-limit"].(float64); ok {
		t.TimeLimit = limit
	}

	if err := p.checkUser(t.Username); err != nil {
		return p.sendResult(ctx, t.OperationID, msgstore.StatusFailed, err.Error())
	}
	if _, err := p.tasks.Add(ctx, queueName, t); err != nil {
		return err
	}
	return nil
}

// checkUser enforces the allowed-users policy. An empty username means the
// agent's own user and is always fine; "ALL" in the allow list disables the
// restriction.
func (p *Plugin) checkUser(username string) error {
	if username == "" {
		return nil
	}
	if current, err := p.currentUser(); err == nil && username == current {
		return nil
	}
	for _, allowed := range p.cfg.AllowedUsers {
		if allowed == "ALL" || allowed == username {
			return nil
		}
	}
	return &proc.ProhibitedUserError{Username: username}
}

// drain runs queued scripts one at a time, oldest first. Each task is
// removed only after its result is queued, so a crash mid-script reruns it.
func (p *Plugin) drain(ctx context.Context) error {
	for {
		next, err := p.tasks.Next(ctx, queueName)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		var t task
		if err := next.Decode(&t); err != nil {
			p.logger.Warn("dropping undecodable script task", "task", next.ID, "error", err)
			if err := p.tasks.Remove(ctx, next.ID); err != nil {
				return err
			}
			continue
		}
		if err := p.execute(ctx, t); err != nil {
			return err
		}
		if err := p.tasks.Remove(ctx, next.ID); err != nil {
			return err
		}
	}
}

func (p *Plugin) execute(ctx context.Context, t task) error {
	limit := p.cfg.TimeLimit
	if t.TimeLimit > 0 {
		limit = time.Duration(t.TimeLimit * float64(time.Second))
	}
	spec := proc.Spec{
		Interpreter: t.Interpreter,
		Code:        t.Code,
		Username:    t.Username,
		TimeLimit:   limit,
		OutputLimit: p.cfg.OutputLimitBytes,
	}

	p.logger.Info("running script", "operation", t.OperationID, "interpreter", t.Interpreter)
	result, err := p.run(ctx, spec)
	if err != nil {
		var timeout *proc.TimeLimitError
		if errors.As(err, &timeout) {
			text := resultText(timeout.Output, timeout.Truncated)
			text += fmt.Sprintf("\nProcess exceeded its %s time limit.", timeout.Limit)
			return p.sendResult(ctx, t.OperationID, msgstore.StatusFailed, text)
		}
		return p.sendResult(ctx, t.OperationID, msgstore.StatusFailed, err.Error())
	}

	status := msgstore.StatusSucceeded
	text := resultText(result.Output, result.Truncated)
	if result.ExitCode != 0 {
		status = msgstore.StatusFailed
		text += fmt.Sprintf("\nProcess exited with code %d.", result.ExitCode)
	}
	return p.sendResult(ctx, t.OperationID, status, text)
}

func (p *Plugin) sendResult(ctx context.Context, operationID int64, status int, text string) error {
	msg := msgstore.OperationResult(operationID, status, text)
	_, err := p.sender.Send(ctx, msg, true)
	return err
}

func resultText(output []byte, truncated bool) string {
	text := string(output)
	if truncated {
		text += "\n**OUTPUT TRUNCATED**"
	}
	return text
}

func stringField(msg map[string]any, key string) string {
	s, _ := msg[key].(string)
	return s
}
