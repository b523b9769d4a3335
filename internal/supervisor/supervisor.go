// Package supervisor manages the backend server process.
//
// The supervisor can spawn the backend itself or adopt one that is
// already listening on the configured port. The ownership rule is
// absolute: only a process the supervisor spawned may ever be signalled.
// An adopted external server is left alone forever, even across Stop and
// Restart.
package supervisor

import (
	"bufio"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	bridgeerr "github.com/wagiedev/opencode-bridge/internal/errors"
	"github.com/wagiedev/opencode-bridge/internal/health"
	"github.com/wagiedev/opencode-bridge/internal/probe"
)

const (
	// healthyPollInterval is the cadence of health checks while waiting
	// for a spawned backend to come up.
	healthyPollInterval = 500 * time.Millisecond

	// pollCheckTimeout bounds each individual health check during the
	// healthy-wait loop.
	pollCheckTimeout = 2 * time.Second

	// adoptCheckTimeout bounds the single health check used to decide
	// whether an external listener is a live backend worth adopting.
	adoptCheckTimeout = 5 * time.Second

	// stopGracePeriod is how long a SIGTERM'd backend gets before SIGKILL.
	stopGracePeriod = 5 * time.Second

	// killWait bounds the wait for the process to disappear after SIGKILL.
	killWait = 2 * time.Second

	// restartPause separates the stop and start halves of a restart.
	restartPause = 1 * time.Second
)

// State describes the supervisor's view of the backend.
type State int

const (
	StateNotRunning State = iota
	StateStarting
	StateHealthy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotRunning:
		return "not_running"
	case StateStarting:
		return "starting"
	case StateHealthy:
		return "healthy"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Checker abstracts the backend health probe.
type Checker interface {
	Check(ctx context.Context, timeout time.Duration) health.Result
}

// process is the supervisor's handle on a running backend. The two
// variants encode ownership in the type: only ownedProcess carries
// something that can be signalled.
type process interface {
	ownedByUs() bool
}

// ownedProcess wraps a backend the supervisor spawned.
type ownedProcess struct {
	cmd  *exec.Cmd
	done chan struct{} // closed once Wait returns
}

func (p *ownedProcess) ownedByUs() bool { return true }

func (p *ownedProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *ownedProcess) pid() int {
	return p.cmd.Process.Pid
}

// signalGroup delivers sig to the backend's process group so children
// spawned by the backend go down with it.
func (p *ownedProcess) signalGroup(sig syscall.Signal) error {
	return syscall.Kill(-p.pid(), sig)
}

// externalProcess marks a backend somebody else started. It holds no
// handle at all; there is nothing the supervisor is allowed to do to it.
type externalProcess struct {
	pid int32 // 0 when unknown
}

func (p *externalProcess) ownedByUs() bool { return false }

// Config configures a Supervisor.
type Config struct {
	// Host and Port name the backend's listen address.
	Host string
	Port int

	// Executable is an explicit path to the backend binary. Empty means
	// discover it (OPENCODE_PATH, PATH, common locations).
	Executable string

	// Credential is passed to a spawned backend via its environment,
	// never on the command line.
	Credential string

	// Checker overrides the default health checker. Nil gets one built
	// from Host, Port and Credential.
	Checker Checker
}

// Supervisor manages one backend target.
//
// IsRunning and State are safe to call concurrently, but Start, Stop and
// Restart are not safe to overlap with each other: run one lifecycle
// operation at a time per target.
type Supervisor struct {
	log        *slog.Logger
	host       string
	port       int
	executable string
	credential string
	checker    Checker

	mu    sync.Mutex
	state State
	proc  process
}

// New creates a supervisor for the backend at cfg.Host:cfg.Port.
func New(log *slog.Logger, cfg Config) *Supervisor {
	log = log.With("component", "supervisor")

	checker := cfg.Checker
	if checker == nil {
		baseURL := "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		checker = health.New(log, baseURL, cfg.Credential)
	}

	return &Supervisor{
		log:        log,
		host:       cfg.Host,
		port:       cfg.Port,
		executable: cfg.Executable,
		credential: cfg.Credential,
		checker:    checker,
		state:      StateNotRunning,
	}
}

// State returns the supervisor's current view of the backend.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Owned reports whether the running backend was spawned by this
// supervisor.
func (s *Supervisor) Owned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.proc != nil && s.proc.ownedByUs()
}

// IsRunning reports whether the backend appears to be up: either our
// spawned process is still alive, or something is listening on the
// configured port. A dead owned process is reaped here.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()

	if owned, ok := s.proc.(*ownedProcess); ok {
		if owned.alive() {
			s.mu.Unlock()

			return true
		}

		s.log.Warn("Backend process exited", "pid", owned.pid())
		s.proc = nil
		s.state = StateNotRunning
	}

	s.mu.Unlock()

	return probe.InUse(s.host, s.port)
}

// Start brings the backend up.
//
// An alive owned process is success. If the port is occupied, the
// listener is health-checked once: a healthy one is adopted as external
// and never touched again; an unresponsive one is a ForeignProcessError.
// Adoption needs no local binary, so discovery only happens on the spawn
// path. With wait set, Start polls health until the backend answers or
// the timeout budget (bounded by ctx) runs out.
//
// In strict mode failures return typed errors and a spawn that never got
// healthy is killed. In non-strict mode failures are logged and Start
// returns (false, nil); a non-healthy spawn is left running.
func (s *Supervisor) Start(ctx context.Context, wait bool, timeout time.Duration, strict bool) (bool, error) {
	s.mu.Lock()

	if owned, ok := s.proc.(*ownedProcess); ok {
		if owned.alive() {
			s.mu.Unlock()
			s.log.Info("Backend is already running", "pid", owned.pid())

			return true, nil
		}

		s.log.Warn("Backend process exited", "pid", owned.pid())
		s.proc = nil
		s.state = StateNotRunning
	}

	s.mu.Unlock()

	// Anyone else on the port is either a previously adopted backend or
	// a stranger; adoptExternal health-checks it and decides.
	if probe.InUse(s.host, s.port) {
		return s.adoptExternal(ctx, strict)
	}

	// An adopted backend that stopped listening is gone for good.
	s.mu.Lock()
	if _, ok := s.proc.(*externalProcess); ok {
		s.proc = nil
		s.state = StateNotRunning
	}
	s.mu.Unlock()

	exe, err := findExecutable(s.log, s.executable)
	if err != nil {
		if strict {
			return false, err
		}

		s.log.Error("Backend executable not found, set OPENCODE_PATH or install it", "error", err)

		return false, nil
	}

	s.log.Info("Starting backend server", "executable", exe, "host", s.host, "port", s.port)

	owned, err := s.spawn(exe)
	if err != nil {
		if strict {
			return false, err
		}

		s.log.Error("Failed to start backend server", "error", err)

		return false, nil
	}

	s.mu.Lock()
	s.proc = owned
	s.state = StateStarting
	s.mu.Unlock()

	if !wait {
		s.log.Info("Backend server started, not waiting for healthy", "pid", owned.pid())

		return true, nil
	}

	return s.waitHealthy(ctx, owned, timeout, strict)
}

// adoptExternal decides what to do about a listener we did not start.
func (s *Supervisor) adoptExternal(ctx context.Context, strict bool) (bool, error) {
	pid, _ := probe.OwnerPID(s.port)
	s.log.Warn("Port is in use by another process", "port", s.port, "pid", pid)

	if s.checker.Check(ctx, adoptCheckTimeout).Healthy {
		s.log.Info("External backend server is healthy, adopting it", "port", s.port)

		s.mu.Lock()
		s.proc = &externalProcess{pid: pid}
		s.state = StateHealthy
		s.mu.Unlock()

		return true, nil
	}

	err := &bridgeerr.ForeignProcessError{Port: s.port, PID: pid}
	if strict {
		return false, err
	}

	s.log.Error("Cannot start backend, port is held by an unresponsive process", "error", err)

	return false, nil
}

// spawn launches the backend in its own process group and drains its
// output into the debug log.
func (s *Supervisor) spawn(exe string) (*ownedProcess, error) {
	args := []string{"serve", "--port", strconv.Itoa(s.port), "--hostname", s.host}

	//nolint:gosec // G204: the executable comes from configuration
	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()

	if s.credential != "" {
		cmd.Env = append(cmd.Env, "OPENCODE_SERVER_PASSWORD="+s.credential)
	}

	// Own process group so the whole backend tree can be signalled.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &bridgeerr.BackendConnectionError{Err: err}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &bridgeerr.BackendConnectionError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &bridgeerr.BackendConnectionError{Err: err}
	}

	owned := &ownedProcess{cmd: cmd, done: make(chan struct{})}

	var drain sync.WaitGroup
	drain.Go(func() { s.drainOutput(stdout, "stdout") })
	drain.Go(func() { s.drainOutput(stderr, "stderr") })

	go func() {
		drain.Wait()

		if err := cmd.Wait(); err != nil {
			if exitErr, ok := stderrors.AsType[*exec.ExitError](err); ok {
				s.log.Debug("Backend process exited", "exit_code", exitErr.ExitCode())
			} else {
				s.log.Debug("Backend process wait failed", "error", err)
			}
		}

		close(owned.done)
	}()

	s.log.Info("Backend process spawned", "pid", owned.pid())

	return owned, nil
}

func (s *Supervisor) drainOutput(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.log.Debug("Backend output", "stream", stream, "line", scanner.Text())
	}
}

// waitHealthy polls the backend until it answers health checks, the
// startup budget runs out, or the process dies.
func (s *Supervisor) waitHealthy(ctx context.Context, owned *ownedProcess, timeout time.Duration, strict bool) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(healthyPollInterval)
	defer ticker.Stop()

	for {
		if s.checker.Check(waitCtx, pollCheckTimeout).Healthy {
			s.mu.Lock()
			s.state = StateHealthy
			s.mu.Unlock()

			s.log.Info("Backend server is healthy", "host", s.host, "port", s.port)

			return true, nil
		}

		select {
		case <-owned.done:
			s.log.Error("Backend process exited before becoming healthy")

			s.mu.Lock()
			s.proc = nil
			s.state = StateNotRunning
			s.mu.Unlock()

			if strict {
				return false, &bridgeerr.StartupTimeoutError{Timeout: timeout}
			}

			return false, nil

		case <-waitCtx.Done():
			err := &bridgeerr.StartupTimeoutError{Timeout: timeout}

			if strict {
				// Our own spawn, so killing it is allowed.
				_ = s.killOwned(owned)

				s.mu.Lock()
				s.proc = nil
				s.state = StateFailed
				s.mu.Unlock()

				return false, err
			}

			s.log.Error("Backend failed to become healthy, leaving it running", "timeout", timeout)

			return false, nil

		case <-ticker.C:
		}
	}
}

// killOwned force-kills a spawned backend and waits briefly for it to go.
func (s *Supervisor) killOwned(owned *ownedProcess) error {
	if err := owned.signalGroup(syscall.SIGKILL); err != nil {
		s.log.Warn("Failed to kill backend process", "pid", owned.pid(), "error", err)

		return err
	}

	select {
	case <-owned.done:
	case <-time.After(killWait):
		s.log.Warn("Backend process did not exit after SIGKILL", "pid", owned.pid())
	}

	return nil
}

// Stop shuts the backend down.
//
// A backend that is not running is success. A backend we did not spawn
// is never touched: Stop returns ErrNotOwned and leaves it alone. An
// owned backend gets SIGTERM, a grace period, then SIGKILL; force skips
// straight to SIGKILL.
func (s *Supervisor) Stop(force bool) error {
	if !s.IsRunning() {
		s.log.Info("Backend server is not running")

		s.mu.Lock()
		s.proc = nil
		s.state = StateNotRunning
		s.mu.Unlock()

		return nil
	}

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	owned, ok := proc.(*ownedProcess)
	if !ok {
		s.log.Warn("Backend server is externally managed, not stopping it", "port", s.port)

		return bridgeerr.ErrNotOwned
	}

	if force {
		s.log.Info("Force-killing backend server", "pid", owned.pid())

		if err := s.killOwned(owned); err != nil {
			return err
		}
	} else if err := s.terminate(owned); err != nil {
		return err
	}

	s.mu.Lock()
	s.proc = nil
	s.state = StateNotRunning
	s.mu.Unlock()

	return nil
}

// terminate asks the backend to exit and escalates to SIGKILL after the
// grace period.
func (s *Supervisor) terminate(owned *ownedProcess) error {
	s.log.Info("Stopping backend server", "pid", owned.pid())

	if err := owned.signalGroup(syscall.SIGTERM); err != nil {
		s.log.Error("Failed to signal backend process", "pid", owned.pid(), "error", err)

		return err
	}

	select {
	case <-owned.done:
		s.log.Info("Backend server stopped gracefully")
	case <-time.After(stopGracePeriod):
		s.log.Warn("Backend did not stop in time, killing it", "pid", owned.pid())

		return s.killOwned(owned)
	}

	return nil
}

// Restart stops the backend, pauses briefly, and starts it again with
// the same policy flags. An external backend survives the stop half and
// is simply re-adopted by the start half.
func (s *Supervisor) Restart(ctx context.Context, wait bool, timeout time.Duration, strict bool) (bool, error) {
	s.log.Info("Restarting backend server")

	if err := s.Stop(true); err != nil && !stderrors.Is(err, bridgeerr.ErrNotOwned) {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(restartPause):
	}

	return s.Start(ctx, wait, timeout, strict)
}
