package engine

import (
	"context"
	"fmt"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/plugin"
	"github.com/hyperifyio/metaextract/internal/registry"
	"github.com/hyperifyio/metaextract/internal/scheduler"
	"github.com/hyperifyio/metaextract/internal/stream"
)

// PluginRunner executes tasks in-process. It is the ModeThread runner.
type PluginRunner struct {
	Registry *registry.Registry
	Stream   stream.Config
}

func (r *PluginRunner) Run(ctx context.Context, t scheduler.Task) (*plugin.Fields, error) {
	p, desc, ok := r.Registry.Plugin(t.Domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", failure.ErrDependencyMissing, t.Domain)
	}
	in := &plugin.Input{
		Path:    t.Path,
		Name:    t.Name,
		Size:    t.Size,
		MIME:    t.MIME,
		Options: t.Options,
		Stream:  r.Stream,
	}
	defer in.CloseAll()
	fields, err := extract(ctx, p, in)
	if err != nil {
		return nil, err
	}
	if err := plugin.CheckOutput(desc, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func extract(ctx context.Context, p plugin.Plugin, in *plugin.Input) (f *plugin.Fields, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s panicked: %v", failure.ErrContractViolation, p.Name(), rec)
		}
	}()
	return p.Extract(ctx, in)
}
