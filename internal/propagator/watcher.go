package propagator

import (
	"context"
	"sync"

	"github.com/ddworken/lookupguard/shared"
	"github.com/sirupsen/logrus"
)

type Subscriber interface {
	Subscribe(ctx context.Context, table shared.Table) (<-chan shared.ChangeEvent, error)
}

// Watcher keeps a Projection in sync with the change stream of every table.
type Watcher struct {
	proj     *Projection
	log      logrus.FieldLogger
	onChange func(View)
	done     chan struct{}

	mu sync.Mutex
}

// Watch subscribes to all tables and starts applying their events to proj. The subscription is
// live when Watch returns, so a direct read taken afterwards and applied through proj cannot miss
// a concurrent write. onChange is called from the watcher's goroutine and must not block.
func Watch(ctx context.Context, sub Subscriber, proj *Projection, onChange func(View), log logrus.FieldLogger) (*Watcher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	w := &Watcher{
		proj:     proj,
		log:      log.WithFields(logrus.Fields{"component": "watcher", "address": proj.Address()}),
		onChange: onChange,
		done:     make(chan struct{}),
	}

	streams := make([]<-chan shared.ChangeEvent, 0, len(shared.AllTables))
	for _, table := range shared.AllTables {
		events, err := sub.Subscribe(ctx, table)
		if err != nil {
			return nil, err
		}
		streams = append(streams, events)
	}

	var wg sync.WaitGroup
	for _, events := range streams {
		wg.Add(1)
		go func(events <-chan shared.ChangeEvent) {
			defer wg.Done()
			for evt := range events {
				w.apply(evt)
			}
		}(events)
	}
	go func() {
		wg.Wait()
		close(w.done)
	}()
	return w, nil
}

// Prime applies a direct read of the session's usage record.
func (w *Watcher) Prime(record *shared.UsageRecord) {
	w.apply(shared.SnapshotEvent(w.proj.Address(), record))
}

// PrimeRows applies history or blacklist rows fetched directly from the store.
func PrimeRows[T any](w *Watcher, table shared.Table, address string, rows []*T) {
	for _, row := range rows {
		evt, err := shared.NewChangeEvent(table, shared.ChangeSnapshot, address, nil, row)
		if err != nil {
			w.log.WithError(err).Warn("failed to build snapshot event")
			continue
		}
		w.apply(evt)
	}
}

// Apply folds an event that did not come from the subscription, e.g. the session's own write.
func (w *Watcher) Apply(evt shared.ChangeEvent) {
	w.apply(evt)
}

func (w *Watcher) apply(evt shared.ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed, err := w.proj.Apply(evt)
	if err != nil {
		w.log.WithError(err).WithField("table", evt.Table).Warn("failed to apply change event")
		return
	}
	if changed && w.onChange != nil {
		w.onChange(w.proj.View())
	}
}

func (w *Watcher) Projection() *Projection {
	return w.proj
}

// Done is closed once every subscription has ended.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}
