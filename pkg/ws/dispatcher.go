package ws

import "context"

// Handler processes one inbound frame. A non-nil reply is sent back on the
// same connection.
type Handler interface {
	Handle(ctx context.Context, f *Frame) (*Frame, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, f *Frame) (*Frame, error)

// Handle implements the Handler interface.
func (fn HandlerFunc) Handle(ctx context.Context, f *Frame) (*Frame, error) {
	return fn(ctx, f)
}

// Dispatcher routes inbound frames to handlers keyed by frame type.
type Dispatcher struct {
	handlers map[FrameType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[FrameType]Handler)}
}

// Register registers a handler for a frame type.
func (d *Dispatcher) Register(t FrameType, h Handler) {
	d.handlers[t] = h
}

// RegisterFunc registers a handler function for a frame type.
func (d *Dispatcher) RegisterFunc(t FrameType, h HandlerFunc) {
	d.handlers[t] = h
}

// Dispatch routes a frame. Unknown frame types produce an error frame rather
// than an error; the connection stays usable.
func (d *Dispatcher) Dispatch(ctx context.Context, f *Frame) (*Frame, error) {
	h, ok := d.handlers[f.Type]
	if !ok {
		return NewError(f.SessionID, "unknown frame type: "+string(f.Type)), nil
	}
	return h.Handle(ctx, f)
}

// HasHandler reports whether a handler is registered for the frame type.
func (d *Dispatcher) HasHandler(t FrameType) bool {
	_, ok := d.handlers[t]
	return ok
}
