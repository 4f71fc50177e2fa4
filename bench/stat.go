package bench

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"time"
)

// Stat stores the latency statistic of a run in milliseconds
type Stat struct {
	Mean   float64
	Min    float64
	Max    float64
	Median float64
	P95    float64
	P99    float64
	P999   float64
	Size   int
	Data   []float64
}

func (s Stat) String() string {
	return fmt.Sprintf("size = %d\nmean = %f\nmin = %f\nmax = %f\nmedian = %f\np95 = %f\np99 = %f\np999 = %f\n",
		s.Size, s.Mean, s.Min, s.Max, s.Median, s.P95, s.P99, s.P999)
}

// WriteFile writes the sorted latencies to path, one per line
func (s Stat) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range s.Data {
		fmt.Fprintln(w, line)
	}
	return w.Flush()
}

// Statistic computes the Stat of latencies
func Statistic(latencies []time.Duration) Stat {
	l := len(latencies)
	if l == 0 {
		return Stat{}
	}
	data := make([]float64, l)
	total := 0.0
	for i, t := range latencies {
		data[i] = float64(t.Nanoseconds()) / 1e6
		total += data[i]
	}
	sort.Float64s(data)
	at := func(p float64) float64 {
		return data[int(p*float64(l-1))]
	}
	return Stat{
		Mean:   total / float64(l),
		Min:    data[0],
		Max:    data[l-1],
		Median: at(0.5),
		P95:    at(0.95),
		P99:    at(0.99),
		P999:   at(0.999),
		Size:   l,
		Data:   data,
	}
}
