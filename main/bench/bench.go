package main

import (
	"flag"

	"github.com/acharapko/flease"
	"github.com/acharapko/flease/bench"
	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/log"
)

var id = flag.String("id", "", "node id the clients prefer for admin requests, random when empty")

func main() {
	flease.Init()

	preferred := idservice.ID(0)
	if *id != "" {
		nid, err := idservice.ParseID(*id)
		if err != nil {
			log.Fatalf("bad -id: %v", err)
		}
		preferred = nid
	}

	b := bench.NewBenchmark(preferred)
	stat := b.Run()
	if err := stat.WriteFile("latency"); err != nil {
		log.Errorf("cannot write latency: %v", err)
	}
	if err := b.History.WriteFile("history"); err != nil {
		log.Errorf("cannot write history: %v", err)
	}

	if cfg.GetConfig().Benchmark.SafetyCheck {
		n := b.Check()
		if n > 0 {
			log.Infof("Anomaly percentage is %f", float64(n)/float64(b.Size()))
		}
	}
}
