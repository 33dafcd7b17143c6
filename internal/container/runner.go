// Package container runs agent processes in sandboxed containers and speaks
// the line-delimited JSON protocol on their stdout. IPC toward the agent is
// file-based: inbox files carry user input, the close sentinel asks the
// agent to exit.
package container

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/sandbox"
)

const (
	// closeSentinel asks the agent inside the container to exit cleanly.
	closeSentinel = "_close"

	// idleTimeout is the hard backstop on a container that stopped talking.
	idleTimeout = 30 * time.Minute

	// scanBufferSize bounds one agent stdout line.
	scanBufferSize = 4 << 20
)

// ErrRuntimeUnavailable reports that no container runtime answered the
// precheck. Callers exit with code 2.
var ErrRuntimeUnavailable = errors.New("container runtime unavailable")

// agentSecretKeys are the env-file keys forwarded to agents on stdin.
var agentSecretKeys = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "AGENT_API_KEY"}

// Status is the terminal outcome of one agent batch.
type Status struct {
	Ok  bool
	Err string
}

// Callbacks deliver agent output to the rest of the system. All callbacks
// run on the container's reader goroutine and must not block for long.
type Callbacks struct {
	OnResult  func(jid, text string)
	OnStatus  func(jid string, st Status)
	OnTyping  func(jid string, on bool)
	OnSession func(groupFolder, sessionID string)
	OnIdle    func(jid string)
	OnExit    func(jid string)
}

// SpawnOpts describes one container run.
type SpawnOpts struct {
	JID         string
	GroupFolder string
	IsTask      bool
	SessionID   string   // previous agent session to resume, if any
	ExtraMounts []string // host paths, validated against the allowlist
}

// Runner spawns and supervises agent containers.
type Runner struct {
	cfg       *config.Config
	validator *sandbox.Validator
	cb        Callbacks
	runtime   string // docker or podman
}

// NewRunner builds a Runner using the docker CLI unless podman is the only
// runtime present.
func NewRunner(cfg *config.Config, validator *sandbox.Validator, cb Callbacks) *Runner {
	runtime := "docker"
	if _, err := exec.LookPath("docker"); err != nil {
		if _, err := exec.LookPath("podman"); err == nil {
			runtime = "podman"
		}
	}
	return &Runner{cfg: cfg, validator: validator, cb: cb, runtime: runtime}
}

// Precheck verifies the container runtime is reachable.
func (r *Runner) Precheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.runtime, "ps", "-q").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s ps: %v: %s", ErrRuntimeUnavailable, r.runtime, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CleanupOrphans removes leftover containers from a previous run, matched by
// the product name prefix.
func (r *Runner) CleanupOrphans(ctx context.Context) {
	out, err := exec.CommandContext(ctx, r.runtime, "ps", "-a",
		"--filter", "name="+config.Product+"-", "--format", "{{.Names}}").Output()
	if err != nil {
		slog.Warn("orphan container listing failed", "error", err)
		return
	}
	for _, name := range strings.Fields(string(out)) {
		slog.Info("removing orphaned container", "name", name)
		if err := exec.CommandContext(ctx, r.runtime, "rm", "-f", name).Run(); err != nil {
			slog.Warn("orphan removal failed", "name", name, "error", err)
		}
	}
}

// Container is one live agent process. It satisfies the queue's handle
// interface: input and close travel through the IPC directory, never the
// process pipes.
type Container struct {
	Name string
	JID  string

	folder  string
	ipcDir  string
	runtime string
	cmd     *exec.Cmd
	span    trace.Span

	mu        sync.Mutex
	idleTimer *time.Timer
	exited    bool
}

// SendInput writes text as a new inbox file, atomically.
func (c *Container) SendInput(text string) error {
	c.touchIdle()
	return writeInbox(c.ipcDir, text)
}

// RequestClose drops the close sentinel into the IPC directory.
func (c *Container) RequestClose() error {
	return writeAtomic(filepath.Join(c.ipcDir, closeSentinel), nil)
}

// Kill stops the container immediately.
func (c *Container) Kill() error {
	err := exec.Command(c.runtime, "kill", c.Name).Run()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return err
}

// Spawn starts a container for opts, wires its stdout reader, and hands the
// secrets payload to its stdin. The caller registers the returned container
// with the queue and then feeds input through the inbox.
func (r *Runner) Spawn(ctx context.Context, opts SpawnOpts) (*Container, error) {
	if opts.GroupFolder == "" {
		return nil, fmt.Errorf("spawn: empty group folder")
	}
	name := fmt.Sprintf("%s-%s-%s", config.Product, opts.GroupFolder, uuid.NewString()[:8])

	ipcDir := r.cfg.IPCDir(opts.GroupFolder)
	groupDir := r.cfg.GroupDir(opts.GroupFolder)
	for _, dir := range []string{ipcDir, groupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("spawn: create %s: %w", dir, err)
		}
	}
	// A stale sentinel would kill the new agent on arrival.
	if err := os.Remove(filepath.Join(ipcDir, closeSentinel)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("spawn: clear close sentinel: %w", err)
	}

	args := []string{
		"run", "-i", "--rm", "--name", name,
		"-v", r.cfg.GroupsDir + ":/workspace:ro",
		"-v", groupDir + ":/workspace/" + opts.GroupFolder,
		"-v", ipcDir + ":/ipc",
	}
	for _, host := range opts.ExtraMounts {
		m, err := r.validator.Validate(host, opts.GroupFolder)
		if err != nil {
			return nil, fmt.Errorf("spawn: mount %s: %w", host, err)
		}
		spec := m.HostPath + ":/mnt/" + filepath.Base(m.HostPath)
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	args = append(args, r.cfg.ContainerImage)

	cmd := exec.Command(r.runtime, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start %s: %w", r.runtime, err)
	}
	slog.Info("container started", "name", name, "jid", opts.JID, "group", opts.GroupFolder, "task", opts.IsTask)

	_, span := otel.Tracer("andbot/container").Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("container.name", name),
			attribute.String("group.folder", opts.GroupFolder),
			attribute.Bool("task", opts.IsTask),
		))

	c := &Container{
		Name:    name,
		JID:     opts.JID,
		folder:  opts.GroupFolder,
		ipcDir:  ipcDir,
		runtime: r.runtime,
		cmd:     cmd,
		span:    span,
	}
	c.idleTimer = time.AfterFunc(idleTimeout, func() {
		slog.Warn("container idle timeout, killing", "name", name, "jid", opts.JID)
		_ = c.Kill()
	})

	if err := r.writeSecrets(stdin, opts); err != nil {
		_ = c.Kill()
		return nil, err
	}

	go r.readLoop(c, stdout)
	return c, nil
}

// writeSecrets sends the one-shot stdin payload and closes the pipe.
func (r *Runner) writeSecrets(stdin io.WriteCloser, opts SpawnOpts) error {
	defer stdin.Close()

	secrets, err := config.ReadEnvFile(r.cfg.EnvFilePath(), agentSecretKeys...)
	if err != nil {
		return fmt.Errorf("spawn: read secrets: %w", err)
	}
	payload, err := json.Marshal(secretsPayload{
		Secrets:   secrets,
		SessionID: opts.SessionID,
		Group:     opts.GroupFolder,
		IsTask:    opts.IsTask,
	})
	if err != nil {
		return fmt.Errorf("spawn: marshal secrets: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("spawn: write secrets: %w", err)
	}
	return nil
}

// readLoop consumes the agent's stdout until exit and fans every record out
// through the runner callbacks.
func (r *Runner) readLoop(c *Container, stdout io.Reader) {
	sawTerminal := false

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), scanBufferSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		c.touchIdle()

		rec, err := parseRecord(line)
		if err != nil {
			slog.Warn("agent protocol error", "name", c.Name, "error", err)
			continue
		}
		switch rec.Type {
		case recordResult:
			sawTerminal = false
			if r.cb.OnResult != nil {
				r.cb.OnResult(c.JID, rec.Text)
			}
		case recordStatus:
			sawTerminal = true
			st := Status{Ok: rec.Status == "success", Err: rec.Error}
			if st.Ok && r.cb.OnIdle != nil {
				r.cb.OnIdle(c.JID)
			}
			if r.cb.OnStatus != nil {
				r.cb.OnStatus(c.JID, st)
			}
		case recordTyping:
			if r.cb.OnTyping != nil {
				r.cb.OnTyping(c.JID, rec.On)
			}
		case recordSession:
			if r.cb.OnSession != nil {
				r.cb.OnSession(c.folder, rec.SessionID)
			}
		default:
			// Unknown record types are ignored per protocol.
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("agent stdout read failed", "name", c.Name, "error", err)
	}

	err := c.cmd.Wait()

	c.mu.Lock()
	c.exited = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.mu.Unlock()

	if !sawTerminal && r.cb.OnStatus != nil {
		msg := "container exited without terminal status"
		if err != nil {
			msg = fmt.Sprintf("container exited: %v", err)
		}
		r.cb.OnStatus(c.JID, Status{Ok: false, Err: msg})
	}

	if err != nil {
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()

	slog.Info("container exited", "name", c.Name, "jid", c.JID, "error", err)
	if r.cb.OnExit != nil {
		r.cb.OnExit(c.JID)
	}
}

func (c *Container) touchIdle() {
	c.mu.Lock()
	if c.idleTimer != nil && !c.exited {
		c.idleTimer.Reset(idleTimeout)
	}
	c.mu.Unlock()
}

// writeInbox drops text into dir as a fresh uniquely-named inbox file.
func writeInbox(dir, text string) error {
	return writeAtomic(filepath.Join(dir, "in-"+uuid.NewString()+".txt"), []byte(text))
}

// writeAtomic writes via a hidden temp file and rename so the agent never
// observes a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
