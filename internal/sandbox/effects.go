package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/roach88/rewind/internal/telemetry"
)

// EffectKind classifies a side effect.
type EffectKind string

const (
	EffectFile EffectKind = "file"
	EffectHTTP EffectKind = "http"
	EffectExec EffectKind = "exec"
)

// Effect is one recorded side-effect attempt.
type Effect struct {
	Seq    int        `json:"seq"`
	Kind   EffectKind `json:"kind"`
	Target string     `json:"target"`
	// Detail is the HTTP method or the command arguments.
	Detail    string `json:"detail,omitempty"`
	Bytes     int64  `json:"bytes"`
	Performed bool   `json:"performed"`
	Error     string `json:"error,omitempty"`
}

// effectOverhead approximates the bookkeeping cost of one log entry.
const effectOverhead = 64

func (e Effect) size() int64 {
	return effectOverhead + int64(len(e.Target)+len(e.Detail)+len(e.Error))
}

// Effects is the only way sandboxed code may touch the outside world.
type Effects interface {
	WriteFile(path string, data []byte, perm os.FileMode) error
	Do(req *http.Request) (*http.Response, error)
	Command(ctx context.Context, name string, args ...string) ([]byte, error)
	// Charge adds n bytes to the sandbox's memory footprint.
	Charge(n int64) error
}

// InterceptedHeader marks synthetic HTTP responses.
const InterceptedHeader = "X-Rewind-Sandbox"

type recorder struct {
	iso *Isolator
	box *box
}

func (r *recorder) WriteFile(path string, data []byte, perm os.FileMode) error {
	eff := Effect{Kind: EffectFile, Target: path, Bytes: int64(len(data))}
	if !r.iso.policy.AllowsPath(path) {
		return r.record(eff)
	}
	if r.box.alive() != nil {
		return r.record(eff)
	}
	eff.Performed = true
	werr := os.WriteFile(path, data, perm)
	if werr != nil {
		eff.Error = werr.Error()
	}
	if err := r.record(eff); err != nil {
		return err
	}
	return werr
}

func (r *recorder) Do(req *http.Request) (*http.Response, error) {
	eff := Effect{Kind: EffectHTTP, Target: req.URL.Redacted(), Detail: req.Method, Bytes: max(req.ContentLength, 0)}
	if !r.iso.policy.AllowsHost(req.URL.Hostname()) {
		if req.Body != nil {
			req.Body.Close()
		}
		if err := r.record(eff); err != nil {
			return nil, err
		}
		return syntheticResponse(req), nil
	}
	if r.box.alive() != nil {
		return nil, r.record(eff)
	}
	eff.Performed = true
	resp, derr := r.iso.client.Do(req)
	if derr != nil {
		eff.Error = derr.Error()
	}
	if err := r.record(eff); err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return resp, derr
}

func (r *recorder) Command(ctx context.Context, name string, args ...string) ([]byte, error) {
	eff := Effect{Kind: EffectExec, Target: name, Detail: strings.Join(args, " ")}
	if !r.iso.policy.AllowsCommand(name) {
		return nil, r.record(eff)
	}
	if r.box.alive() != nil {
		return nil, r.record(eff)
	}
	eff.Performed = true
	out, cerr := exec.CommandContext(ctx, name, args...).Output()
	eff.Bytes = int64(len(out))
	if cerr != nil {
		eff.Error = cerr.Error()
	}
	if err := r.record(eff); err != nil {
		return nil, err
	}
	return out, cerr
}

func (r *recorder) Charge(n int64) error {
	return r.iso.charge(r.box, n)
}

// record appends eff to the log, charges its size and enforces the memory
// limit. Attempts on a terminated sandbox are logged as refused, are not
// charged, and return ErrTerminated.
func (r *recorder) record(eff Effect) error {
	b := r.box
	b.mu.Lock()
	dead := b.terminated
	if dead != nil && !eff.Performed {
		eff.Error = ErrTerminated.Error()
	}
	eff.Seq = len(b.effects) + 1
	b.effects = append(b.effects, eff)
	if dead == nil {
		b.logBytes += eff.size()
	}
	b.mu.Unlock()

	telemetry.SandboxEffectsTotal.WithLabelValues(string(eff.Kind), strconv.FormatBool(eff.Performed)).Inc()
	r.iso.logger.Debug("sandbox effect", "handle", b.handle, "kind", eff.Kind, "target", eff.Target, "performed", eff.Performed)
	if dead != nil {
		return fmt.Errorf("%w: %w", ErrTerminated, dead)
	}
	return r.iso.checkMemory(b)
}

func syntheticResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{InterceptedHeader: {"intercepted"}},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
		Request:       req,
	}
}

// Passthrough returns Effects that perform every call directly, with no
// policy, recording or limits. Used for hooks in unsandboxed sessions.
func Passthrough(client *http.Client) Effects {
	if client == nil {
		client = http.DefaultClient
	}
	return passthrough{client: client}
}

type passthrough struct {
	client *http.Client
}

func (passthrough) WriteFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

func (p passthrough) Do(req *http.Request) (*http.Response, error) { return p.client.Do(req) }

func (passthrough) Command(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (passthrough) Charge(int64) error { return nil }
