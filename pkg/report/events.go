package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"gwperf/pkg/bus"
)

// Event is the bus representation of a report lifecycle change.
type Event struct {
	Run     string    `json:"run"`
	Kind    string    `json:"kind"`
	Item    Handle    `json:"item"`
	Parent  Handle    `json:"parent,omitempty"`
	Type    string    `json:"type"`
	Name    string    `json:"name"`
	Status  Status    `json:"status,omitempty"`
	Issue   string    `json:"issue,omitempty"`
	Message string    `json:"message,omitempty"`
	Time    time.Time `json:"time"`
}

// Event kinds.
const (
	EventStarted  = "started"
	EventFinished = "finished"
	EventLog      = "log"
)

type item struct {
	parent Handle
	typ    string
	name   string
}

// BusReporter publishes report lifecycle events so runs can be followed
// live.
type BusReporter struct {
	pub     bus.Publisher
	run     string
	subject string
	now     func() time.Time

	mu    sync.Mutex
	items map[Handle]item
}

// NewBusReporter publishes the events of run on bus.StepSubject.
func NewBusReporter(pub bus.Publisher, run string) (*BusReporter, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &BusReporter{
		pub:     pub,
		run:     run,
		subject: bus.StepSubject,
		now:     time.Now,
		items:   make(map[Handle]item),
	}, nil
}

func (b *BusReporter) StartLaunch(ctx context.Context, name, _ string) (Handle, error) {
	return b.start(ctx, "", "launch", name)
}

func (b *BusReporter) FinishLaunch(ctx context.Context, launch Handle) error {
	return b.finish(ctx, launch, "", Issue{})
}

func (b *BusReporter) StartSuite(ctx context.Context, name, _ string) (Handle, error) {
	return b.start(ctx, "", "suite", name)
}

func (b *BusReporter) FinishSuite(ctx context.Context, suite Handle) error {
	return b.finish(ctx, suite, "", Issue{})
}

func (b *BusReporter) StartTest(ctx context.Context, suite Handle, name, _ string) (Handle, error) {
	return b.start(ctx, suite, "test", name)
}

func (b *BusReporter) FinishTest(ctx context.Context, test Handle, status Status) error {
	return b.finish(ctx, test, status, Issue{})
}

func (b *BusReporter) StartStep(ctx context.Context, parent Handle, name, _ string) (Handle, error) {
	return b.start(ctx, parent, "step", name)
}

func (b *BusReporter) FinishStep(ctx context.Context, step Handle, status Status, issue Issue) error {
	return b.finish(ctx, step, status, issue)
}

func (b *BusReporter) WriteLog(ctx context.Context, h Handle, message string) error {
	it := b.lookup(h)
	return b.pub.Publish(ctx, b.subject, Event{
		Run:     b.run,
		Kind:    EventLog,
		Item:    h,
		Parent:  it.parent,
		Type:    it.typ,
		Name:    it.name,
		Message: message,
		Time:    b.now().UTC(),
	})
}

func (b *BusReporter) start(ctx context.Context, parent Handle, typ, name string) (Handle, error) {
	h := Handle(uuid.NewString())
	b.mu.Lock()
	b.items[h] = item{parent: parent, typ: typ, name: name}
	b.mu.Unlock()
	return h, b.pub.Publish(ctx, b.subject, Event{
		Run:    b.run,
		Kind:   EventStarted,
		Item:   h,
		Parent: parent,
		Type:   typ,
		Name:   name,
		Time:   b.now().UTC(),
	})
}

func (b *BusReporter) finish(ctx context.Context, h Handle, status Status, issue Issue) error {
	it := b.lookup(h)
	b.mu.Lock()
	delete(b.items, h)
	b.mu.Unlock()
	return b.pub.Publish(ctx, b.subject, Event{
		Run:     b.run,
		Kind:    EventFinished,
		Item:    h,
		Parent:  it.parent,
		Type:    it.typ,
		Name:    it.name,
		Status:  status,
		Issue:   issue.Type,
		Message: issue.Comment,
		Time:    b.now().UTC(),
	})
}

func (b *BusReporter) lookup(h Handle) item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.items[h]
}
