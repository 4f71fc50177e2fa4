package net

import (
	"fmt"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/log"
	"github.com/acharapko/flease/util"
)

// Communication integrates all networking interface and fault injections
type Communication interface {
	AddAddress(id idservice.ID, addr string)

	GetAddresses() map[idservice.ID]string

	GetKnownIDs() []idservice.ID

	// Send put message to outbound queue
	Send(to idservice.ID, m interface{})

	// Broadcast send to all peers
	Broadcast(m interface{})

	// Recv receives a message, nil after Close
	Recv() interface{}

	Close()

	// Fault injection
	Drop(id idservice.ID, t int)             // drops every message send to NodeId last for t seconds
	Slow(id idservice.ID, d int, t int)      // delays every message send to NodeId for d ms and last for t seconds
	Flaky(id idservice.ID, p float64, t int) // drop message by chance p for t seconds
	Crash(t int)                             // node crash for t seconds
}

type communicator struct {
	id             idservice.ID // this node's NodeId
	isClient       bool         // or if this communicator is on the client side and has no server
	addresses      map[idservice.ID]string
	nodes          map[idservice.ID]TransportLink
	listener       TransportLink
	clientListener TransportLink
	ids            []idservice.ID

	crash bool
	drop  map[idservice.ID]bool
	slow  map[idservice.ID]int
	flaky map[idservice.ID]float64

	sendLock map[idservice.ID]chan bool

	msgid int64

	recv chan interface{} // receive channel from all transports
	done chan struct{}
	once sync.Once

	sync.RWMutex
}

func newCommunicator(id idservice.ID, isClient bool, addrs map[idservice.ID]string) *communicator {
	c := &communicator{
		id:        id,
		isClient:  isClient,
		addresses: make(map[idservice.ID]string, len(addrs)),
		nodes:     make(map[idservice.ID]TransportLink),
		drop:      make(map[idservice.ID]bool),
		slow:      make(map[idservice.ID]int),
		flaky:     make(map[idservice.ID]float64),
		sendLock:  make(map[idservice.ID]chan bool),
		recv:      make(chan interface{}, cfg.GetConfig().ChanBufferSize),
		done:      make(chan struct{}),
		msgid:     int64(id) << 32,
	}
	for nid, addr := range addrs {
		c.addresses[nid] = addr
	}
	c.ids = c.refreshIds()
	return c
}

// NewCommunicator listens on the address of nodeId for peers and on the
// matching client address for admin clients
func NewCommunicator(nodeId idservice.ID, addrs map[idservice.ID]string) (Communication, error) {
	communicator := newCommunicator(nodeId, false, addrs)

	addr, ok := addrs[nodeId]
	if !ok {
		return nil, fmt.Errorf("no address for node %v", nodeId)
	}
	clientListenAddr, err := ClientAddress(addr)
	if err != nil {
		return nil, err
	}

	communicator.listener = NewTransportLink(addr, nodeId, false)
	if err := communicator.listener.Listen(); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	go communicator.receiveFromLink(communicator.listener)

	communicator.clientListener = NewTransportLink(clientListenAddr, nodeId, true)
	if err := communicator.clientListener.Listen(); err != nil {
		communicator.listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", clientListenAddr, err)
	}
	go communicator.receiveFromLink(communicator.clientListener)

	return communicator, nil
}

// NewClientCommunicator dials the client address of every node on demand
func NewClientCommunicator(addrs map[idservice.ID]string) Communication {
	clientAddrs := make(map[idservice.ID]string, len(addrs))
	for id, addr := range addrs {
		clientListenAddr, err := ClientAddress(addr)
		if err == nil {
			clientAddrs[id] = clientListenAddr
		} else {
			log.Errorf("Error getting client address from server address: %v", err)
		}
	}
	return newCommunicator(0, true, clientAddrs)
}

// refreshIds rebuilds the id list, callers hold the lock
func (c *communicator) refreshIds() []idservice.ID {
	ids := make(idservice.IDs, 0, len(c.addresses))
	for id := range c.addresses {
		ids = append(ids, id)
		if _, ok := c.sendLock[id]; !ok {
			c.sendLock[id] = make(chan bool, 1)
			c.sendLock[id] <- true
		}
	}
	sort.Sort(ids)
	return ids
}

func (c *communicator) AddAddress(id idservice.ID, addr string) {
	c.Lock()
	defer c.Unlock()
	if existingAddr, exists := c.addresses[id]; exists && existingAddr != addr {
		// address has change, close old Link and open new one
		if t := c.nodes[id]; t != nil {
			t.Close()
			delete(c.nodes, id)
		}
	}
	c.addresses[id] = addr
	c.ids = c.refreshIds()
}

func (c *communicator) GetAddresses() map[idservice.ID]string {
	c.RLock()
	defer c.RUnlock()
	addrs := make(map[idservice.ID]string, len(c.addresses))
	for id, addr := range c.addresses {
		addrs[id] = addr
	}
	return addrs
}

func (c *communicator) GetKnownIDs() []idservice.ID {
	c.RLock()
	defer c.RUnlock()
	return c.ids
}

func (c *communicator) addTransportLink(t TransportLink, to idservice.ID) {
	c.Lock()
	if c.nodes[to] != nil {
		c.nodes[to].Close()
	}
	c.nodes[to] = t
	c.Unlock()

	if c.isClient {
		// the link is bi-directional for clients, so start receiving from it
		go c.receiveFromLink(t)
	}
	log.Debugf("Added %v to nodes", to)
}

func (c *communicator) receiveFromLink(tr TransportLink) {
	for {
		m := tr.Recv()
		if m == nil {
			return
		}
		select {
		case c.recv <- m:
		case <-c.done:
			return
		}
	}
}

// Communication Implementation
func (c *communicator) Recv() interface{} {
	select {
	case m := <-c.recv:
		return m
	case <-c.done:
		return nil
	}
}

func (c *communicator) Send(to idservice.ID, m interface{}) {
	pm := c.wrapInProtocolMsg(m)
	c.send(to, pm)
	log.Debugf("sent %v to %v", m, to)
}

func (c *communicator) Broadcast(m interface{}) {
	pm := c.wrapInProtocolMsg(m)
	for _, id := range c.GetKnownIDs() {
		if id == c.id {
			continue
		}
		c.send(id, pm)
	}
}

func (c *communicator) Close() {
	c.once.Do(func() {
		close(c.done)
		c.Lock()
		defer c.Unlock()
		for _, t := range c.nodes {
			t.Close()
		}
		if c.listener != nil {
			c.listener.Close()
		}
		if c.clientListener != nil {
			c.clientListener.Close()
		}
	})
}

func (c *communicator) Drop(id idservice.ID, t int) {
	c.Lock()
	c.drop[id] = true
	c.Unlock()
	time.AfterFunc(time.Duration(t)*time.Second, func() {
		c.Lock()
		c.drop[id] = false
		c.Unlock()
	})
}

func (c *communicator) Slow(id idservice.ID, delay int, t int) {
	c.Lock()
	c.slow[id] = delay
	c.Unlock()
	time.AfterFunc(time.Duration(t)*time.Second, func() {
		c.Lock()
		c.slow[id] = 0
		c.Unlock()
	})
}

func (c *communicator) Flaky(id idservice.ID, p float64, t int) {
	c.Lock()
	c.flaky[id] = p
	c.Unlock()
	time.AfterFunc(time.Duration(t)*time.Second, func() {
		c.Lock()
		c.flaky[id] = 0
		c.Unlock()
	})
}

// Crash silences all outgoing messages for t seconds, forever when t <= 0
func (c *communicator) Crash(t int) {
	log.Infof("Crashing node %v for %d seconds", c.id, t)
	c.Lock()
	c.crash = true
	c.Unlock()
	if t > 0 {
		time.AfterFunc(time.Duration(t)*time.Second, func() {
			c.Lock()
			c.crash = false
			c.Unlock()
			log.Infof("Restoring node %v after crash", c.id)
		})
	}
}

// ClientAddress maps a node address to the address its admin clients use:
// the same host with the port moved up by 1000
func ClientAddress(addr string) (string, error) {
	raw := addr
	if !strings.Contains(raw, "://") {
		raw = *scheme + "://" + raw
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return addr, fmt.Errorf("incorrect address specification for address %s: %w", addr, err)
	}
	port, err := strconv.Atoi(uri.Port())
	if err != nil {
		return addr, fmt.Errorf("incorrect address specification for address %s", addr)
	}
	return uri.Scheme + "://" + uri.Hostname() + ":" + strconv.Itoa(port+1000), nil
}

func (c *communicator) wrapInProtocolMsg(m interface{}) ProtocolMsg {
	ts := hlc.HLClock.Now()
	msgId := c.incrementMsgId()
	return ProtocolMsg{HlcTime: ts.ToInt64(), Msg: m, MsgId: msgId}
}

// faulty applies the injected faults, it reports whether m must be dropped
// and how long to delay it otherwise
func (c *communicator) faulty(to idservice.ID) (bool, int) {
	c.RLock()
	defer c.RUnlock()
	if c.crash || c.drop[to] {
		return true, 0
	}
	if p := c.flaky[to]; p > 0 && rand.Float64() < p {
		return true, 0
	}
	return false, c.slow[to]
}

// link returns the link to a peer, dialing it first if needed
func (c *communicator) link(to idservice.ID) (TransportLink, error) {
	c.RLock()
	lock, ok := c.sendLock[to]
	address := c.addresses[to]
	c.RUnlock()
	if !ok {
		return nil, fmt.Errorf("communicator does not have address of node %v", to)
	}

	<-lock
	defer func() { lock <- true }()

	c.RLock()
	t, exists := c.nodes[to]
	c.RUnlock()
	if exists && t.Mode() != ModeClosed {
		return t, nil
	}

	t = NewTransportLink(address, c.id, c.isClient)
	log.Debugf("Dialing %v", to)
	if err := util.Retry(t.Dial, 10, 50*time.Millisecond); err != nil {
		return nil, err
	}
	c.addTransportLink(t, to)
	return t, nil
}

func (c *communicator) send(to idservice.ID, m interface{}) {
	drop, delay := c.faulty(to)
	if drop {
		return
	}

	t, err := c.link(to)
	if err != nil {
		log.Errorf("cannot reach node %v: %v", to, err)
		return
	}

	if delay > 0 {
		time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			t.Send(m)
		})
		return
	}
	t.Send(m)
}

func (c *communicator) incrementMsgId() int64 {
	c.Lock()
	defer c.Unlock()
	c.msgid++
	return c.msgid
}
