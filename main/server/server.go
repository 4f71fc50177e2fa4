package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/acharapko/flease"
	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/log"
	"github.com/acharapko/flease/node"

	l "log"
	_ "net/http/pprof"
)

var id = flag.String("id", "", "NodeId in format of Zone.Node.")
var simulation = flag.Bool("sim", false, "simulation mode, run every node of the config in this process")
var profile = flag.Bool("p", false, "use pprof")

func replica(id idservice.ID) *node.Replica {
	log.Infof("node %v starting", id)
	r, err := node.NewReplica(id)
	if err != nil {
		log.Fatalf("cannot start node %v: %v", id, err)
	}
	go r.Run()
	return r
}

func main() {
	flease.Init()

	if *profile {
		go func() {
			l.Println(http.ListenAndServe("localhost:6060", nil))
		}()
	}

	var replicas []*node.Replica
	if *simulation {
		for id := range cfg.GetConfig().Addrs {
			replicas = append(replicas, replica(id))
		}
	} else {
		nid, err := idservice.ParseID(*id)
		if err != nil {
			log.Fatalf("bad -id: %v", err)
		}
		replicas = append(replicas, replica(nid))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// a clean shutdown removes the crash markers, so the next start skips
	// the recovery period
	var wg sync.WaitGroup
	for _, r := range replicas {
		wg.Add(1)
		go func(r *node.Replica) {
			defer wg.Done()
			if err := r.Close(); err != nil {
				log.Errorf("node %v shutdown: %v", r.ID(), err)
			}
		}(r)
	}
	wg.Wait()
	log.Infof("Server done")
}
