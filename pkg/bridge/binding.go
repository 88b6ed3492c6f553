package bridge

import (
	"context"
	"sync"

	"github.com/ntsync/ntsync-go/pkg/fanout"
	"github.com/ntsync/ntsync-go/pkg/subscription"
	"github.com/ntsync/ntsync-go/pkg/topic"
)

// Binding pairs one subscription handle with one value listener. It is the
// unit a UI component acquires when it starts showing a topic and releases
// when it stops.
type Binding struct {
	engine *Engine
	handle subscription.Handle
	reg    *fanout.Registration[ValueChanged]

	once sync.Once
	err  error
}

// Bind registers fn for name and subscribes to it. If the subscribe fails
// the listener is removed again.
func (e *Engine) Bind(ctx context.Context, name topic.Name, fn func(ValueChanged)) (*Binding, error) {
	reg := e.OnValueChanged(name, fn)
	h, err := e.Subscribe(ctx, name)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &Binding{engine: e, handle: h, reg: reg}, nil
}

// Topic returns the bound topic.
func (b *Binding) Topic() topic.Name { return b.handle.Topic() }

// Handle returns the subscription handle.
func (b *Binding) Handle() subscription.Handle { return b.handle }

// Value returns the cached value, or def when nothing is cached yet.
func (b *Binding) Value(def topic.Value) topic.Value {
	return b.engine.Read(b.handle.Topic(), def)
}

// Close removes the listener and releases the handle. Repeated calls return
// the first result.
func (b *Binding) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.reg.Close()
		b.err = b.engine.Unsubscribe(ctx, b.handle)
	})
	return b.err
}
