package tcpstack

// Event tells a handler why it is being called.
type Event int

const (
	CanRead Event = iota
	CanWrite
)

func (e Event) String() string {
	if e == CanRead {
		return "CanRead"
	}
	return "CanWrite"
}

// Handler receives events for an established connection. It runs with the
// connection locked and must not block. The returned handler replaces the
// current one; nil keeps it.
type Handler interface {
	HandleEvent(c *Established, ev Event) Handler
}

type HandlerFunc func(c *Established, ev Event) Handler

func (f HandlerFunc) HandleEvent(c *Established, ev Event) Handler { return f(c, ev) }

// Established is the view of a connection handed to a Handler. It is only
// valid for the duration of the call.
type Established struct {
	conn *connection
	tcb  *TCB
}

// Read copies received bytes into p without blocking.
func (e *Established) Read(p []byte) int { return e.tcb.Read(p) }

// Write queues p for transmission without blocking and returns how much
// fit in the send buffer.
func (e *Established) Write(p []byte) int { return e.tcb.Send(p) }

// Buffered is the number of bytes ready to Read.
func (e *Established) Buffered() int { return e.tcb.Buffered() }

// Writable is the free space in the send buffer.
func (e *Established) Writable() int { return e.tcb.SendSpace() }

func (e *Established) Us() Endpoint { return e.conn.us }

func (e *Established) Them() Endpoint { return e.conn.them }

// Ref returns a reference usable after the handler returns.
func (e *Established) Ref() ConnRef { return e.conn.ref() }

func (e *Established) TCB() *TCB { return e.tcb }
