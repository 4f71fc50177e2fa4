package bench

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/client"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/log"
	"github.com/acharapko/flease/util"
)

// Proposer is the part of the client library a benchmark worker calls
type Proposer interface {
	Acquire(ctx context.Context, cellID, holder string, d time.Duration) (*lease.Message, error)
}

// Benchmark generates an acquire workload over K cells and collects latency
// and the history of granted leases
type Benchmark struct {
	cfg.Bconfig
	*History

	workers []Proposer // one per concurrent worker
	holders []string   // holder name each worker asks for

	rate      *Limiter
	latency   []time.Duration
	startTime time.Time
	zipf      *rand.Zipf
	counter   int
	failed    int64

	wait sync.WaitGroup // waiting for all generated acquisitions to complete
}

// NewBenchmark returns a Benchmark whose workers are clients of the cluster
// in the process configuration
func NewBenchmark(preferredId idservice.ID) *Benchmark {
	bconfig := cfg.GetConfig().Benchmark
	log.Debugf("Starting new Benchmark with preferred node %v and %d workers", preferredId, bconfig.Concurrency)
	workers := make([]Proposer, bconfig.Concurrency)
	holders := make([]string, bconfig.Concurrency)
	for i := range workers {
		id := idservice.NewIDFromString("0." + strconv.Itoa(i+1))
		workers[i] = client.NewClient(preferredId, id)
		holders[i] = id.String()
	}
	return newBenchmark(bconfig, workers, holders)
}

func newBenchmark(bconfig cfg.Bconfig, workers []Proposer, holders []string) *Benchmark {
	b := &Benchmark{
		Bconfig: bconfig,
		History: NewHistory(),
		workers: workers,
		holders: holders,
	}
	if b.Throttle > 0 {
		b.rate = NewLimiter(b.Throttle)
	}
	r := rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	b.zipf = rand.NewZipf(r, b.ZipfianS, b.ZipfianV, uint64(b.K-1))
	return b
}

// Run starts the workload and blocks until it is done. It returns the latency
// statistic of successful acquisitions.
func (b *Benchmark) Run() Stat {
	if b.rate != nil {
		defer b.rate.Stop()
	}

	b.latency = make([]time.Duration, 0)
	cells := make(chan string, util.Max(len(b.workers), 1))
	latencies := make(chan time.Duration, 1000)
	collected := make(chan bool)
	go b.collect(latencies, collected)

	var workers sync.WaitGroup
	for i := range b.workers {
		workers.Add(1)
		go func(i int) {
			defer workers.Done()
			b.closedLoopWorker(cells, latencies, b.workers[i], b.holders[i])
		}(i)
	}

	b.startTime = time.Now()
	if b.T > 0 {
		timer := time.NewTimer(time.Second * time.Duration(b.T))
	loop:
		for {
			select {
			case <-timer.C:
				break loop
			default:
				b.wait.Add(1)
				cells <- b.next()
			}
		}
	} else {
		for i := 0; i < b.N; i++ {
			b.wait.Add(1)
			cells <- b.next()
		}
	}
	b.wait.Wait()
	t := time.Now().Sub(b.startTime)

	close(cells)
	workers.Wait()
	close(latencies)
	<-collected

	stat := Statistic(b.latency)
	log.Infof("Concurrency = %d", len(b.workers))
	log.Infof("Number of Cells = %d", b.K)
	log.Infof("Lease = %dms", b.Lease)
	log.Infof("Benchmark Time = %v", t)
	log.Infof("Throughput = %f", float64(len(b.latency))/t.Seconds())
	log.Infof("Failed = %d", atomic.LoadInt64(&b.failed))
	log.Info(stat)
	return stat
}

// Failed is the number of acquisitions that returned an error
func (b *Benchmark) Failed() int {
	return int(atomic.LoadInt64(&b.failed))
}

// Check runs the lease safety check over the recorded history
func (b *Benchmark) Check() int {
	n := b.History.Anomalies(time.Duration(b.Lease) * time.Millisecond)
	if n == 0 {
		log.Info("No two holders overlapped on any cell.")
	} else {
		log.Errorf("%d leases overlap with a lease of another holder", n)
	}
	return n
}

// Cell is the name of the benchmark cell with index i
func Cell(i int) string {
	return "bench-" + strconv.Itoa(i)
}

// next picks a cell based on the distribution
func (b *Benchmark) next() string {
	var key int
	switch b.Distribution {
	case "order":
		b.counter = (b.counter + 1) % b.K
		key = b.counter + b.Min

	case "uniform":
		key = rand.Intn(b.K) + b.Min

	case "conflict":
		if rand.Intn(100) < b.Conflicts {
			key = b.Min
		} else {
			b.counter = (b.counter + 1) % b.K
			key = b.counter + b.Min
		}

	case "zipfan":
		key = int(b.zipf.Uint64()) + b.Min

	default:
		log.Fatalf("unknown distribution %s", b.Distribution)
	}

	if b.rate != nil {
		b.rate.Wait()
	}

	return Cell(key)
}

func (b *Benchmark) closedLoopWorker(cells <-chan string, result chan<- time.Duration, p Proposer, holder string) {
	d := time.Duration(b.Lease) * time.Millisecond
	for cell := range cells {
		op := &operation{requester: holder}
		s := time.Now()
		l, err := p.Acquire(context.Background(), cell, holder, d)
		e := time.Now()
		op.start = s.Sub(b.startTime).Nanoseconds()
		if err == nil {
			op.end = e.Sub(b.startTime).Nanoseconds()
			op.holder, op.timeout = l.LeaseHolder, l.LeaseTimeout
			result <- e.Sub(s)
		} else {
			op.end = math.MaxInt64
			atomic.AddInt64(&b.failed, 1)
			log.Debugf("acquire %s for %s: %v", cell, holder, err)
		}
		b.History.AddOperation(cell, op)
		b.wait.Done()
	}
}

func (b *Benchmark) collect(latencies <-chan time.Duration, done chan<- bool) {
	for t := range latencies {
		b.latency = append(b.latency, t)
	}
	done <- true
}
