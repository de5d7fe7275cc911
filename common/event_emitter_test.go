package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterOn(t *testing.T) {
	t.Parallel()

	t.Run("registers handler", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)

		emitter.on(ctx, []string{EventTabFrameAttached}, ch)
		emitter.sync(func() {
			require.Len(t, emitter.handlers, 1)
			require.Contains(t, emitter.handlers, EventTabFrameAttached)
			require.Len(t, emitter.handlers[EventTabFrameAttached], 1)
			require.Equal(t, ch, emitter.handlers[EventTabFrameAttached][0].ch)
			require.Empty(t, emitter.handlersAll)
		})
	})

	t.Run("canceled handler is removed on emit", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		handlerCtx, cancel := context.WithCancel(ctx)
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)

		emitter.on(handlerCtx, []string{EventTabFrameAttached}, ch)
		cancel()
		emitter.emit(EventTabFrameAttached, nil)

		emitter.sync(func() {
			require.Contains(t, emitter.handlers, EventTabFrameAttached)
			require.Len(t, emitter.handlers[EventTabFrameAttached], 0)
		})
	})

	t.Run("delivers event", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event, 1)

		emitter.on(ctx, []string{EventTabFrameAttached}, ch)
		emitter.emit(EventTabFrameAttached, "payload")
		ev := <-ch

		require.Equal(t, EventTabFrameAttached, ev.typ)
		require.Equal(t, "payload", ev.data)
	})
}

func TestEventEmitterOnAll(t *testing.T) {
	t.Parallel()

	t.Run("registers catch-all handler", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)

		emitter.onAll(ctx, ch)
		emitter.sync(func() {
			require.Len(t, emitter.handlersAll, 1)
			require.Equal(t, ch, emitter.handlersAll[0].ch)
			require.Empty(t, emitter.handlers)
		})
	})

	t.Run("catch-all receives any event", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event, 1)

		emitter.onAll(ctx, ch)
		emitter.emit(EventTabFrameNavigated, "payload")
		ev := <-ch

		require.Equal(t, EventTabFrameNavigated, ev.typ)
		require.Equal(t, "payload", ev.data)
	})
}

func TestEventEmitterOrdering(t *testing.T) {
	t.Parallel()

	t.Run("single event type", func(t *testing.T) {
		t.Parallel()

		// Frame tree bookkeeping depends on events being applied in the
		// order the browser sent them, so delivery order per channel must
		// match emission order.
		const eventName = "OrderedEvent"
		const total = 100

		ctx, cancel := context.WithCancel(context.Background())
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)
		emitter.on(ctx, []string{eventName}, ch)

		go func() {
			defer cancel()
			for want := 0; want != total; want++ {
				ev := <-ch
				got, ok := ev.data.(int)
				if !ok {
					assert.FailNow(t, "unexpected payload type", ev.data)
				}
				assert.Equal(t, eventName, ev.typ)
				assert.Equal(t, want, got)
			}
		}()

		go func() {
			for i := 0; i < total; i++ {
				emitter.emit(eventName, i)
			}
		}()

		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			assert.FailNow(t, "test timed out, deadlock?")
		}
	})

	t.Run("interleaved event types share one queue", func(t *testing.T) {
		t.Parallel()

		// Registering the same channel for several event types must still
		// deliver everything in emission order.
		const total = 100

		ctx, cancel := context.WithCancel(context.Background())
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)
		emitter.on(ctx, []string{"EventA", "EventB"}, ch)
		emitter.on(ctx, []string{"EventC"}, ch)

		go func() {
			defer cancel()
			for want := 0; want != total; want++ {
				ev := <-ch
				got, ok := ev.data.(int)
				if !ok {
					assert.FailNow(t, "unexpected payload type", ev.data)
				}
				assert.Equal(t, want, got)
			}
		}()

		go func() {
			for i := 0; i < total; i += 3 {
				emitter.emit("EventA", i)
				emitter.emit("EventB", i+1)
				emitter.emit("EventC", i+2)
			}
		}()

		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			assert.FailNow(t, "test timed out, deadlock?")
		}
	})

	t.Run("handler can emit without deadlocking", func(t *testing.T) {
		t.Parallel()

		const total = 100

		ctx, cancel := context.WithCancel(context.Background())
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)
		emitter.on(ctx, []string{"Ping", "Pong"}, ch)

		go func() {
			defer cancel()
			var seen int
			for seen != total {
				ev := <-ch
				switch ev.typ {
				case "Ping":
					emitter.emit("Pong", ev.data)
				case "Pong":
					seen++
				default:
					assert.FailNow(t, "unexpected event type received")
				}
			}
		}()

		go func() {
			for i := 0; i < total; i++ {
				emitter.emit("Ping", i)
			}
		}()

		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			assert.FailNow(t, "test timed out, deadlock?")
		}
	})
}
