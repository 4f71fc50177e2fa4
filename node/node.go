package node

import (
	"reflect"

	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/log"
	"github.com/acharapko/flease/net"
)

// Node is the primary access point for every replica
// it includes networking and the message dispatch loop
type Node interface {
	net.Communication
	ID() idservice.ID
	Run()
	Enqueue(m interface{})
	Register(m interface{}, f interface{})
	HandleMsg(m interface{})
}

// node implements Node interface
type node struct {
	id idservice.ID

	net.Communication
	MessageChan chan interface{}
	handles     map[string]reflect.Value
	done        chan struct{}
}

// NewNode creates a new Node object from configuration
func NewNode(id idservice.ID) (Node, error) {
	comm, err := net.NewCommunicator(id, cfg.GetConfig().Addrs)
	if err != nil {
		return nil, err
	}
	return newNode(id, comm), nil
}

func newNode(id idservice.ID, comm net.Communication) *node {
	return &node{
		id:            id,
		Communication: comm,
		MessageChan:   make(chan interface{}, cfg.GetConfig().ChanBufferSize),
		handles:       make(map[string]reflect.Value),
		done:          make(chan struct{}),
	}
}

func (n *node) ID() idservice.ID {
	return n.id
}

// Enqueue adds a message to the dispatch loop, it is a no-op once the node stopped
func (n *node) Enqueue(m interface{}) {
	select {
	case n.MessageChan <- m:
	case <-n.done:
	}
}

// Register a handle function for each message type
func (n *node) Register(m interface{}, f interface{}) {
	t := reflect.TypeOf(m)
	fn := reflect.ValueOf(f)
	if fn.Kind() != reflect.Func || fn.Type().NumIn() != 1 || fn.Type().In(0) != t {
		panic("register handle function error")
	}
	n.handles[t.String()] = fn
}

// Run start and run the node, it returns once the communicator is closed
func (n *node) Run() {
	log.Infof("node %v start running with %d handles", n.id, len(n.handles))
	if len(n.handles) > 0 {
		go n.handle()
		n.recv()
	}
}

// recv receives messages from socket and pass to message channel
func (n *node) recv() {
	for {
		m := n.Recv()
		if m == nil {
			close(n.done)
			return
		}
		n.Enqueue(m)
	}
}

// handle receives messages from message channel and calls handle function using refection
func (n *node) handle() {
	for {
		select {
		case msg := <-n.MessageChan:
			n.HandleMsg(msg)
		case <-n.done:
			return
		}
	}
}

func (n *node) HandleMsg(msg interface{}) {
	if msg == nil {
		return
	}
	v := reflect.ValueOf(msg)
	name := v.Type().String()
	f, exists := n.handles[name]
	if !exists {
		log.Warningf("no registered handle function for message type %v, dropping %v", name, msg)
		return
	}
	f.Call([]reflect.Value{v})
}
