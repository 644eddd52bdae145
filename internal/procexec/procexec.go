// Package procexec runs a single plugin call in a child process. The child is
// the same binary invoked with the "worker" subcommand; it prints one JSON
// envelope on stdout.
package procexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/registry"
	"github.com/hyperifyio/metaextract/internal/scheduler"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// Envelope is the child's reply.
type Envelope struct {
	Domain string         `json:"domain"`
	Fields *plugin.Fields `json:"fields,omitempty"`
	Error  string         `json:"error,omitempty"`
	Kind   string         `json:"kind,omitempty"`
	// Retry carries failure.IsTransient for kinds that are not always
	// transient, such as stream_io.
	Retry bool `json:"retry,omitempty"`
}

// Runner implements scheduler.Runner by spawning a worker process per task.
type Runner struct {
	// Exe defaults to os.Executable().
	Exe string
	// Args precede the worker flags; defaults to ["worker"].
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stream is forwarded so the child reads with the same window sizes.
	Stream stream.Config
}

const maxStderr = 4 << 10

// Run starts the child, waits for its envelope and kills it when ctx ends.
func (r *Runner) Run(ctx context.Context, t scheduler.Task) (*plugin.Fields, error) {
	exe := r.Exe
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
	}
	args := append([]string(nil), r.Args...)
	if len(args) == 0 {
		args = []string{"worker"}
	}
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	args = append(args,
		"-domain", t.Domain,
		"-file", t.Path,
		"-name", t.Name,
		"-mime", t.MIME,
		"-options", string(opts),
		"-chunk", fmt.Sprint(r.Stream.ChunkSize),
		"-threshold", fmt.Sprint(r.Stream.StreamingThreshold),
	)
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), r.Env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxStderr}

	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &env); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("worker %s exited: %w: %s", t.Domain, runErr, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%w: worker %s wrote an unreadable envelope: %v", failure.ErrContractViolation, t.Domain, err)
	}
	if env.Error != "" {
		return nil, envelopeError(env)
	}
	if env.Fields == nil {
		env.Fields = plugin.NewFields()
	}
	return env.Fields, nil
}

// envelopeError restores the error kind across the process boundary.
func envelopeError(env Envelope) error {
	base := errors.New(env.Error)
	switch env.Kind {
	case "transient":
		return failure.Transient(base)
	case "timeout":
		return fmt.Errorf("%w: %v", failure.ErrTimeout, base)
	case "cancelled":
		return fmt.Errorf("%w: %v", failure.ErrCancelled, base)
	case "contract_violation":
		return fmt.Errorf("%w: %v", failure.ErrContractViolation, base)
	case "stream_io":
		err := fmt.Errorf("%w: %v", failure.ErrStreamIO, base)
		if env.Retry {
			return failure.Transient(err)
		}
		return err
	case "dependency_missing":
		return fmt.Errorf("%w: %v", failure.ErrDependencyMissing, base)
	}
	return base
}

type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if l.n <= 0 {
		return total, nil
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	n, err := l.w.Write(p)
	l.n -= n
	if err != nil {
		return n, err
	}
	return total, nil
}

// WorkerMain is the child side: it parses worker flags, runs one plugin from
// reg and writes the envelope to out. The return value is the exit code.
func WorkerMain(ctx context.Context, args []string, reg *registry.Registry, out io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		domain, file, name, mime, opts string
		chunk                          int
		threshold                      int64
	)
	fs.StringVar(&domain, "domain", "", "plugin domain")
	fs.StringVar(&file, "file", "", "input path")
	fs.StringVar(&name, "name", "", "original file name")
	fs.StringVar(&mime, "mime", "", "sniffed MIME type")
	fs.StringVar(&opts, "options", "", "JSON request options")
	fs.IntVar(&chunk, "chunk", stream.DefaultChunkSize, "chunk size")
	fs.Int64Var(&threshold, "threshold", stream.DefaultStreamingThreshold, "streaming threshold")

	enc := json.NewEncoder(out)
	reply := func(env Envelope, code int) int {
		if err := enc.Encode(env); err != nil {
			return 2
		}
		return code
	}
	if err := fs.Parse(args); err != nil {
		return reply(Envelope{Domain: domain, Error: err.Error(), Kind: "contract_violation"}, 2)
	}
	var options map[string]string
	if opts != "" && opts != "null" {
		if err := json.Unmarshal([]byte(opts), &options); err != nil {
			return reply(Envelope{Domain: domain, Error: "options: " + err.Error(), Kind: "contract_violation"}, 2)
		}
	}

	reg.Discover(ctx)
	p, desc, ok := reg.Plugin(domain)
	if !ok {
		return reply(Envelope{Domain: domain, Error: fmt.Sprintf("%v: %s", registry.ErrNotFound, domain), Kind: "dependency_missing"}, 1)
	}
	if name == "" {
		name = file
	}
	in := &plugin.Input{
		Path:    file,
		Name:    name,
		MIME:    mime,
		Options: options,
		Stream:  stream.Config{ChunkSize: chunk, StreamingThreshold: threshold},
	}
	if info, err := os.Stat(file); err == nil {
		in.Size = info.Size()
	}
	defer in.CloseAll()

	fields, err := safeExtract(ctx, p, in)
	if err == nil {
		err = plugin.CheckOutput(desc, fields)
	}
	if err != nil {
		log.Debug().Str("domain", domain).Err(err).Msg("worker extraction failed")
		return reply(Envelope{Domain: domain, Error: err.Error(), Kind: failure.KindOf(err), Retry: failure.IsTransient(err)}, 1)
	}
	return reply(Envelope{Domain: domain, Fields: fields}, 0)
}

func safeExtract(ctx context.Context, p plugin.Plugin, in *plugin.Input) (f *plugin.Fields, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s panicked: %v", failure.ErrContractViolation, p.Name(), rec)
		}
	}()
	return p.Extract(ctx, in)
}
