package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/acharapko/flease/bench"
	"github.com/acharapko/flease/log"
)

var file = flag.String("history", "history", "history csv written by the benchmark")
var lease = flag.Int("lease", 1000, "lease length in ms the benchmark requested")

func main() {
	flag.Parse()
	log.Setup()

	h := bench.NewHistory()

	err := h.ReadFile(*file)
	if err != nil {
		log.Fatal(err)
	}

	n := h.Anomalies(time.Duration(*lease) * time.Millisecond)

	fmt.Println(n)
}
