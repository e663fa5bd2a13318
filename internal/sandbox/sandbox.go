package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/roach88/rewind/internal/event"
	"github.com/roach88/rewind/internal/fault"
	"github.com/roach88/rewind/internal/telemetry"
)

// Handle identifies a sandbox.
type Handle string

// Limits bound one sandbox. Zero values mean unlimited.
type Limits struct {
	// MaxWallClock bounds each Execute call. Enforced by an independent
	// timer, so it applies even if the function ignores its context.
	MaxWallClock time.Duration `yaml:"max_wall_clock" env:"MAX_WALL_CLOCK"`
	// MaxCPUTime bounds the total time spent in Execute over the sandbox's life.
	MaxCPUTime time.Duration `yaml:"max_cpu_time" env:"MAX_CPU_TIME"`
	// MaxMemoryBytes bounds the tracked footprint: state bytes set with
	// SetStateBytes, bytes charged with Charge and the effect log.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes" env:"MAX_MEMORY_BYTES"`
}

// DefaultLimits are the limits used by the CLI when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxWallClock:   30 * time.Second,
		MaxCPUTime:     5 * time.Minute,
		MaxMemoryBytes: 256 << 20,
	}
}

// Usage is a sandbox's resource consumption so far.
type Usage struct {
	CPUTime     time.Duration
	MemoryBytes int64
	Effects     int
}

// Func is code executed inside a sandbox.
type Func func(ctx context.Context, fx Effects) error

// Isolator creates and runs sandboxes.
//
// Thread-safety: all methods are safe for concurrent use. Executions in the
// same sandbox are serialized.
type Isolator struct {
	policy Policy
	client *http.Client
	ids    event.IDGenerator
	logger *slog.Logger

	mu    sync.Mutex
	boxes map[Handle]*box
}

// Option configures an Isolator.
type Option func(*Isolator)

// WithPolicy sets the side-effect allow lists.
func WithPolicy(p Policy) Option {
	return func(i *Isolator) { i.policy = p }
}

// WithHTTPClient sets the client used for allowed requests.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Isolator) { i.client = c }
}

// WithIDGenerator sets the handle generator.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(i *Isolator) { i.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Isolator) { i.logger = l }
}

// New creates an Isolator. With no options every side effect is intercepted.
func New(opts ...Option) *Isolator {
	i := &Isolator{
		client: http.DefaultClient,
		ids:    event.UUIDv7Generator{},
		logger: slog.Default(),
		boxes:  make(map[Handle]*box),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Policy returns the isolator's policy.
func (i *Isolator) Policy() Policy { return i.policy }

type box struct {
	handle Handle
	limits Limits

	exec sync.Mutex // serializes Execute

	mu         sync.Mutex
	effects    []Effect
	logBytes   int64
	stateBytes int64
	charged    int64
	cpu        time.Duration
	terminated error // the *LimitError that ended the sandbox
}

// Create allocates a sandbox.
func (i *Isolator) Create(limits Limits) (Handle, error) {
	if limits.MaxWallClock < 0 || limits.MaxCPUTime < 0 || limits.MaxMemoryBytes < 0 {
		return "", fault.Invalidf("sandbox limits must not be negative")
	}
	h := Handle(i.ids.NewID())
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.boxes[h]; exists {
		return "", fmt.Errorf("sandbox %s already exists", h)
	}
	i.boxes[h] = &box{handle: h, limits: limits}
	i.logger.Debug("sandbox created", "handle", h,
		"max_wall_clock", limits.MaxWallClock, "max_cpu_time", limits.MaxCPUTime, "max_memory_bytes", limits.MaxMemoryBytes)
	return h, nil
}

// Execute runs fn inside the sandbox.
//
// fn's context is cancelled when ctx is or when MaxWallClock elapses. On
// timeout Execute returns immediately with a *LimitError even if fn keeps
// running; effects it attempts afterwards fail with ErrTerminated.
func (i *Isolator) Execute(ctx context.Context, h Handle, fn Func) error {
	b, err := i.get(h)
	if err != nil {
		return err
	}
	b.exec.Lock()
	defer b.exec.Unlock()
	if err := b.alive(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timeout <-chan time.Time
	if b.limits.MaxWallClock > 0 {
		timer := time.NewTimer(b.limits.MaxWallClock)
		defer timer.Stop()
		timeout = timer.C
	}

	done := make(chan error, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sandbox %s: panic: %v", h, r)
			}
		}()
		done <- fn(runCtx, &recorder{iso: i, box: b})
	}()

	select {
	case err = <-done:
	case <-timeout:
		cancel()
		elapsed := time.Since(start)
		b.addCPU(elapsed)
		return i.terminate(b, &LimitError{Handle: h, Limit: LimitWallClock, Used: int64(elapsed), Max: int64(b.limits.MaxWallClock)})
	case <-ctx.Done():
		b.addCPU(time.Since(start))
		return ctx.Err()
	}

	cpu := b.addCPU(time.Since(start))
	if b.limits.MaxCPUTime > 0 && cpu > b.limits.MaxCPUTime {
		return i.terminate(b, &LimitError{Handle: h, Limit: LimitCPUTime, Used: int64(cpu), Max: int64(b.limits.MaxCPUTime)})
	}
	return err
}

// SetStateBytes records the size of the state held for the sandbox's
// session, replacing the previous value, and enforces MaxMemoryBytes.
func (i *Isolator) SetStateBytes(h Handle, n int64) error {
	b, err := i.get(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stateBytes = n
	b.mu.Unlock()
	return i.checkMemory(b)
}

// Charge adds n bytes to the sandbox's footprint and enforces MaxMemoryBytes.
func (i *Isolator) Charge(h Handle, n int64) error {
	b, err := i.get(h)
	if err != nil {
		return err
	}
	return i.charge(b, n)
}

// CaptureSideEffects returns a copy of the effect log in attempt order.
func (i *Isolator) CaptureSideEffects(h Handle) ([]Effect, error) {
	b, err := i.get(h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.effects), nil
}

// Usage returns the sandbox's consumption so far.
func (i *Isolator) Usage(h Handle) (Usage, error) {
	b, err := i.get(h)
	if err != nil {
		return Usage{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Usage{CPUTime: b.cpu, MemoryBytes: b.footprint(), Effects: len(b.effects)}, nil
}

// Terminated returns the limit error that terminated the sandbox, or nil
// if it is still usable.
func (i *Isolator) Terminated(h Handle) error {
	b, err := i.get(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

// Destroy releases the sandbox. Its effect log is discarded.
func (i *Isolator) Destroy(h Handle) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.boxes[h]; !ok {
		return fault.NotFoundf("sandbox %q", h)
	}
	delete(i.boxes, h)
	i.logger.Debug("sandbox destroyed", "handle", h)
	return nil
}

func (i *Isolator) get(h Handle) (*box, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.boxes[h]
	if !ok {
		return nil, fault.NotFoundf("sandbox %q", h)
	}
	return b, nil
}

func (i *Isolator) charge(b *box, n int64) error {
	if err := b.alive(); err != nil {
		return err
	}
	b.mu.Lock()
	b.charged += n
	b.mu.Unlock()
	return i.checkMemory(b)
}

func (i *Isolator) checkMemory(b *box) error {
	b.mu.Lock()
	used := b.footprint()
	b.mu.Unlock()
	if b.limits.MaxMemoryBytes > 0 && used > b.limits.MaxMemoryBytes {
		return i.terminate(b, &LimitError{Handle: b.handle, Limit: LimitMemory, Used: used, Max: b.limits.MaxMemoryBytes})
	}
	return nil
}

// terminate marks b terminated with le unless it already is, and returns
// the error that ended it.
func (i *Isolator) terminate(b *box, le *LimitError) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated != nil {
		return b.terminated
	}
	b.terminated = le
	telemetry.SandboxLimitExceeded.WithLabelValues(le.Limit).Inc()
	i.logger.Warn("sandbox terminated", "handle", b.handle, "limit", le.Limit, "used", le.Used, "max", le.Max)
	return le
}

func (b *box) alive() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, b.terminated)
	}
	return nil
}

func (b *box) addCPU(d time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cpu += d
	return b.cpu
}

// footprint must be called with b.mu held.
func (b *box) footprint() int64 {
	return b.stateBytes + b.charged + b.logBytes
}
