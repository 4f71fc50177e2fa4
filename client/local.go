package client

import (
	"context"

	"github.com/acharapko/flease/acceptor"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/log"
)

// LocalTransport calls acceptors of the same process. Acceptor i answers as
// node 1.i+1.
type LocalTransport []*acceptor.Acceptor

func (l LocalTransport) Acceptors() int {
	return len(l)
}

func (l LocalTransport) Call(ctx context.Context, req *lease.Message) []*lease.Message {
	var resps []*lease.Message
	for i, a := range l {
		if ctx.Err() != nil {
			break
		}
		resp, err := a.ProcessMessage(req.Clone())
		if err != nil {
			log.Warningf("acceptor %d rejected %v: %v", i, req, err)
			continue
		}
		if resp != nil {
			resp.From = idservice.NewID(1, i+1)
			resps = append(resps, resp)
		}
	}
	return resps
}

func (l LocalTransport) Cast(req *lease.Message) {
	l.Call(context.Background(), req)
}
