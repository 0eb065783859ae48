package report

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Fanout forwards every call to several reporters. It hands out its own
// handles and remembers each child's handle behind them.
type Fanout struct {
	reporters []Reporter

	mu      sync.Mutex
	handles map[Handle][]Handle
}

// NewFanout combines reporters; nil entries are skipped.
func NewFanout(reporters ...Reporter) *Fanout {
	f := &Fanout{handles: make(map[Handle][]Handle)}
	for _, r := range reporters {
		if r != nil {
			f.reporters = append(f.reporters, r)
		}
	}
	return f
}

func (f *Fanout) StartLaunch(ctx context.Context, name, description string) (Handle, error) {
	return f.start(func(r Reporter) (Handle, error) { return r.StartLaunch(ctx, name, description) })
}

func (f *Fanout) FinishLaunch(ctx context.Context, launch Handle) error {
	return f.finish(launch, func(r Reporter, h Handle) error { return r.FinishLaunch(ctx, h) })
}

func (f *Fanout) StartSuite(ctx context.Context, name, description string) (Handle, error) {
	return f.start(func(r Reporter) (Handle, error) { return r.StartSuite(ctx, name, description) })
}

func (f *Fanout) FinishSuite(ctx context.Context, suite Handle) error {
	return f.finish(suite, func(r Reporter, h Handle) error { return r.FinishSuite(ctx, h) })
}

func (f *Fanout) StartTest(ctx context.Context, suite Handle, name, description string) (Handle, error) {
	parents := f.lookup(suite)
	return f.startEach(func(i int, r Reporter) (Handle, error) {
		return r.StartTest(ctx, parents[i], name, description)
	})
}

func (f *Fanout) FinishTest(ctx context.Context, test Handle, status Status) error {
	return f.finish(test, func(r Reporter, h Handle) error { return r.FinishTest(ctx, h, status) })
}

func (f *Fanout) StartStep(ctx context.Context, parent Handle, name, description string) (Handle, error) {
	parents := f.lookup(parent)
	return f.startEach(func(i int, r Reporter) (Handle, error) {
		return r.StartStep(ctx, parents[i], name, description)
	})
}

func (f *Fanout) FinishStep(ctx context.Context, step Handle, status Status, issue Issue) error {
	return f.finish(step, func(r Reporter, h Handle) error { return r.FinishStep(ctx, h, status, issue) })
}

func (f *Fanout) WriteLog(ctx context.Context, item Handle, message string) error {
	children := f.lookup(item)
	var errs []error
	for i, r := range f.reporters {
		if err := r.WriteLog(ctx, children[i], message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) start(fn func(Reporter) (Handle, error)) (Handle, error) {
	return f.startEach(func(_ int, r Reporter) (Handle, error) { return fn(r) })
}

func (f *Fanout) startEach(fn func(int, Reporter) (Handle, error)) (Handle, error) {
	children := make([]Handle, len(f.reporters))
	var errs []error
	for i, r := range f.reporters {
		h, err := fn(i, r)
		if err != nil {
			errs = append(errs, err)
		}
		children[i] = h
	}

	handle := Handle(uuid.NewString())
	f.mu.Lock()
	f.handles[handle] = children
	f.mu.Unlock()
	return handle, errors.Join(errs...)
}

func (f *Fanout) finish(handle Handle, fn func(Reporter, Handle) error) error {
	children := f.lookup(handle)
	var errs []error
	for i, r := range f.reporters {
		if err := fn(r, children[i]); err != nil {
			errs = append(errs, err)
		}
	}
	f.mu.Lock()
	delete(f.handles, handle)
	f.mu.Unlock()
	return errors.Join(errs...)
}

// lookup returns the child handles behind handle, empty ones when unknown.
func (f *Fanout) lookup(handle Handle) []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if children, ok := f.handles[handle]; ok {
		return children
	}
	return make([]Handle, len(f.reporters))
}
