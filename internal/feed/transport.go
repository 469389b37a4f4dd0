package feed

import "context"

// Transport carries messages between instances. The broadcaster always
// delivers to its own hub directly, so a transport only has to reach the
// other instances subscribed to the same session.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
	// Listen calls deliver for every message published by any instance until
	// ctx is cancelled.
	Listen(ctx context.Context, deliver func(Message)) error
}

// LocalTransport is the single-instance transport: every subscriber lives in
// this process's hub, so there is nothing to forward.
type LocalTransport struct{}

func (LocalTransport) Publish(context.Context, Message) error { return nil }

func (LocalTransport) Listen(ctx context.Context, _ func(Message)) error {
	<-ctx.Done()
	return nil
}
