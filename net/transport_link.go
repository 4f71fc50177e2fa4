package net

import (
	"bytes"
	"errors"
	"flag"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/log"
)

type TransportMode int

const (
	ModeNone     TransportMode = iota
	ModeListener               // for server that listens for connections
	ModeDialer                 // for client that dials the server
	ModeClosed
)

func (m TransportMode) String() string {
	return [...]string{"None", "Listener", "Dialer", "Closed"}[m]
}

var scheme = flag.String("transport", "tcp", "transport scheme (tcp, udp), default tcp")

// TransportLink = client & server
type TransportLink interface {
	// Scheme returns transportLink scheme
	Scheme() string

	// Codec returns the name of the codec used on the wire
	Codec() string

	// Mode returns whether this transportLink is a listener of a dialer
	Mode() TransportMode

	// Send sends message into t.send chan
	Send(interface{})

	// Recv waits for message from t.recv chan, nil once the link is closed
	Recv() interface{}

	// Dial connects to remote server non-blocking once connected
	Dial() error

	// Listen waits for connections, non-blocking once listener starts
	Listen() error

	// Close closes send channel and stops listener
	Close()
}

// NewTransportLink creates new transportLink object with end point url, this node's NodeId and client flag
// for transports that dial to remote server, endpoint is address of the remote server
// for transports that listen for incoming connection, endpointAddr does not matter
// nodeId is this node
// isClientTransport should be set to true for links serving admin clients. Those
// always speak gob, node to node links use the configured codec.
func NewTransportLink(endpointAddr string, nodeId idservice.ID, isClientTransport bool) TransportLink {
	codec := cfg.GetConfig().Codec
	if isClientTransport {
		codec = "gob"
	}
	return newTransportLink(endpointAddr, nodeId, isClientTransport, codec)
}

func newTransportLink(endpointAddr string, nodeId idservice.ID, isClientTransport bool, codec string) TransportLink {
	if !strings.Contains(endpointAddr, "://") {
		endpointAddr = *scheme + "://" + endpointAddr
	}
	uri, err := url.Parse(endpointAddr)
	if err != nil {
		log.Fatalf("error parsing address %s : %s\n", endpointAddr, err)
	}

	transport := &transportLink{
		id:       nodeId,
		isClient: isClientTransport,
		codec:    codec,
		mode:     ModeNone,
		uri:      uri,
		send:     make(chan interface{}, cfg.GetConfig().ChanBufferSize),
		recv:     make(chan interface{}, cfg.GetConfig().ChanBufferSize),
		close:    make(chan struct{}),
	}

	switch uri.Scheme {
	case "tcp":
		t := new(tcp)
		t.transportLink = transport
		return t
	case "udp":
		t := new(udp)
		t.transportLink = transport
		return t
	default:
		log.Fatalf("unknown scheme %s", uri.Scheme)
	}
	return nil
}

type transportLink struct {
	id       idservice.ID
	isClient bool
	codec    string
	mode     TransportMode
	uri      *url.URL
	send     chan interface{}
	recv     chan interface{}
	close    chan struct{}

	closer    func() error // stops the listener or the dialed connection
	closeOnce sync.Once
	modeMux   sync.RWMutex
}

func (t *transportLink) Send(m interface{}) {
	select {
	case t.send <- m:
	case <-t.close:
	}
}

func (t *transportLink) Recv() interface{} {
	select {
	case m := <-t.recv:
		return m
	case <-t.close:
		return nil
	}
}

// deliver hands a received message to Recv unless the link is closed
func (t *transportLink) deliver(m interface{}) bool {
	select {
	case t.recv <- m:
		return true
	case <-t.close:
		return false
	}
}

func (t *transportLink) Mode() TransportMode {
	t.modeMux.RLock()
	defer t.modeMux.RUnlock()
	return t.mode
}

func (t *transportLink) Codec() string {
	return t.codec
}

func (t *transportLink) Close() {
	t.closeOnce.Do(func() {
		t.modeMux.Lock()
		defer t.modeMux.Unlock()
		if t.mode == ModeListener {
			log.Debugf("Closing transportLink listening on %v at node %v", t.uri, t.id)
		} else {
			log.Debugf("Closing transportLink to %v at node %v", t.uri, t.id)
		}
		close(t.close)
		if t.closer != nil {
			t.closer()
		}
		t.mode = ModeClosed
	})
}

func (t *transportLink) Scheme() string {
	return t.uri.Scheme
}

// unwrapProtocolMsg advances the clock from the envelope and returns the payload
func unwrapProtocolMsg(m interface{}) (interface{}, hlc.Timestamp, bool) {
	protocolMsg, ok := m.(ProtocolMsg)
	if !ok {
		return nil, hlc.Timestamp{}, false
	}
	hlcTS := *hlc.NewTimestampI64(protocolMsg.HlcTime)
	hlc.HLClock.Update(hlcTS)
	return protocolMsg.Msg, hlcTS, true
}

/******************************
/*     TCP communication      *
/******************************/
type tcp struct {
	*transportLink
}

func (t *tcp) Dial() error {
	log.Debugf("Dialing %v from node %v", t.uri.Host, t.id)
	t.modeMux.Lock()
	defer t.modeMux.Unlock()
	if t.mode != ModeNone {
		log.Errorf("Trying to dial on transportLink in mode: %v", t.mode)
		return nil
	}
	conn, err := net.Dial(t.Scheme(), t.uri.Host)
	if err != nil {
		return err
	}
	t.mode = ModeDialer
	t.closer = conn.Close

	codec := NewCodec(t.codec, conn)
	go t.startOutgoing(conn, codec)
	if t.isClient {
		// client dialer also listens to replies
		// unlike server communication which uses one directional links,
		// with clients we maintain two-way link
		go t.startIncoming(conn, codec)
	}
	return nil
}

func (t *tcp) Listen() error {
	log.Debugf("start listening id: %v, port: %v", t.id, t.uri.Port())
	t.modeMux.Lock()
	defer t.modeMux.Unlock()
	if t.mode != ModeNone {
		log.Errorf("Trying to listen on transportLink in mode: %v", t.mode)
		return nil
	}
	listener, err := net.Listen("tcp", ":"+t.uri.Port())
	if err != nil {
		return err
	}
	t.mode = ModeListener
	t.closer = listener.Close

	go func(listener net.Listener) {
		defer listener.Close()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error("TCP Accept error: ", err)
				continue
			}
			go t.startIncoming(conn, NewCodec(t.codec, conn))
		}
	}(listener)
	return nil
}

func (t *tcp) startOutgoing(conn net.Conn, codec Codec) {
	defer conn.Close()
	for {
		select {
		case m := <-t.send:
			if err := codec.Encode(&m); err != nil {
				log.Errorf("encode %v to %v: %v", m, conn.RemoteAddr(), err)
			}
		case <-t.close:
			return
		}
	}
}

func (t *tcp) startIncoming(conn net.Conn, codec Codec) {
	log.Debugf("Waiting for msgs from %v on node %v", conn.RemoteAddr(), t.id)
	defer conn.Close()
	var replier Codec
	for {
		var m interface{}
		if err := codec.Decode(&m); err != nil {
			select {
			case <-t.close:
			default:
				log.Debugf("Closing reading connection from %v: %v", conn.RemoteAddr(), err)
			}
			return
		}

		msg, hlcTS, ok := unwrapProtocolMsg(m)
		if !ok {
			log.Warningf("dropping unexpected %T from %v", m, conn.RemoteAddr())
			continue
		}

		if t.isClient && t.Mode() == ModeListener {
			if replier == nil {
				// replies of concurrent requests share the connection
				replier = &syncCodec{Codec: codec}
			}
			cmw := ClientMsgWrapper{
				Msg:       msg,
				Timestamp: hlcTS,
			}
			cmw.SetReplier(replier)
			msg = cmw
		}
		if !t.deliver(msg) {
			return
		}
	}
}

/******************************
/*     UDP communication      *
/******************************/
type udp struct {
	*transportLink
}

func (u *udp) Dial() error {
	addr, err := net.ResolveUDPAddr("udp", u.uri.Host)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}
	u.modeMux.Lock()
	u.mode = ModeDialer
	u.closer = conn.Close
	u.modeMux.Unlock()

	go func(conn *net.UDPConn) {
		w := new(bytes.Buffer)
		for {
			select {
			case m := <-u.send:
				if err := NewCodec(u.codec, w).Encode(&m); err != nil {
					log.Error(err)
				} else if _, err := conn.Write(w.Bytes()); err != nil {
					log.Error(err)
				}
				w.Reset()
			case <-u.close:
				return
			}
		}
	}(conn)

	return nil
}

func (u *udp) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", ":"+u.uri.Port())
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	u.modeMux.Lock()
	u.mode = ModeListener
	u.closer = conn.Close
	u.modeMux.Unlock()

	go func(conn *net.UDPConn) {
		packet := make([]byte, 1500)
		defer conn.Close()
		for {
			n, err := conn.Read(packet)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				log.Error(err)
				continue
			}
			var m interface{}
			if err := NewCodec(u.codec, bytes.NewBuffer(packet[:n])).Decode(&m); err != nil {
				log.Warningf("dropping undecodable datagram: %v", err)
				continue
			}
			msg, _, ok := unwrapProtocolMsg(m)
			if !ok {
				continue
			}
			if !u.deliver(msg) {
				return
			}
		}
	}(conn)
	return nil
}
