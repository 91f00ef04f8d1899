package drivers

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/skyforge/provisd/pkg/job"
	"github.com/skyforge/provisd/pkg/runner"
)

// operationFor strips the resource prefix from a job type:
// "instance-launch" provisions via the "launch" operation.
func operationFor(jobType string) string {
	for i := len(jobType) - 1; i >= 0; i-- {
		if jobType[i] == '-' {
			return jobType[i+1:]
		}
	}
	return jobType
}

// Provisioner ties the pieces together for the facade and CLI: it
// resolves the driver for a request, lazily builds one runner per job
// type, and submits the work.
type Provisioner struct {
	registry *job.Registry
	drivers  *Registry
	log      *zap.Logger
	cfg      runner.Config

	mu      sync.Mutex
	runners map[string]*runner.Runner
}

// NewProvisioner returns a Provisioner over the job registry.
func NewProvisioner(registry *job.Registry, drv *Registry, cfg runner.Config, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		registry: registry,
		drivers:  drv,
		log:      logger,
		cfg:      cfg,
		runners:  make(map[string]*runner.Runner),
	}
}

func (p *Provisioner) runnerFor(jobType string) (*runner.Runner, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.runners[jobType]; ok {
		return r, nil
	}
	store, err := p.registry.Store(jobType)
	if err != nil {
		return nil, err
	}
	r := runner.New(store, p.log.With(zap.String("job_type", jobType)), p.cfg)
	if err := r.Start(); err != nil {
		return nil, err
	}
	p.runners[jobType] = r
	return r, nil
}

// Submit creates a job of the given type and launches its provisioning
// action without blocking. The driver is resolved from the request's
// cloudType.
func (p *Provisioner) Submit(ctx context.Context, jobType string, fields map[string]any) (*job.Record, error) {
	if !p.registry.Has(jobType) {
		return nil, &job.ValidationError{Field: job.FieldType, Message: "unknown job type " + jobType}
	}
	cloudType, _ := fields[job.FieldCloudType].(string)
	action, err := p.drivers.Resolve(cloudType, operationFor(jobType))
	if err != nil {
		return nil, &job.ValidationError{Field: job.FieldCloudType, Message: err.Error()}
	}

	r, err := p.runnerFor(jobType)
	if err != nil {
		return nil, err
	}
	return r.SubmitAsync(ctx, action, fields)
}

// RequestCancel flags a job for cooperative cancellation.
func (p *Provisioner) RequestCancel(ctx context.Context, jobType, id string) error {
	r, err := p.runnerFor(jobType)
	if err != nil {
		return err
	}
	return r.RequestCancel(ctx, id)
}

// Registry exposes the underlying job registry for read paths.
func (p *Provisioner) Registry() *job.Registry {
	return p.registry
}

// Stop drains every runner.
func (p *Provisioner) Stop() {
	p.mu.Lock()
	runners := make([]*runner.Runner, 0, len(p.runners))
	for _, r := range p.runners {
		runners = append(runners, r)
	}
	p.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}
}
