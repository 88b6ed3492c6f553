// Package bridge is the command and event surface of the synchronization
// engine.
//
// An Engine owns one connection.Session, the topic cache and the
// subscription multiplexer. Commands (Connect, Subscribe, Unsubscribe,
// Write) go in; ValueChanged and ConnectionChanged events come out to any
// number of listeners, each with its own ordered queue.
//
// Server pushes are applied to the cache only while the topic has a live
// subscription. Every applied update, remote or local, produces exactly one
// ValueChanged per registered listener on that topic.
//
// A UI component typically uses Bind, which acquires a subscription and a
// listener together and releases both on Close:
//
//	b, err := engine.Bind(ctx, "/SmartDashboard/speed", func(ev bridge.ValueChanged) {
//		render(ev.Value)
//	})
//	if err != nil {
//		return err
//	}
//	defer b.Close(ctx)
//	render(b.Value(topic.NumberValue(0)))
package bridge
