package bench

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// operation is one acquisition. holder and timeout describe the lease the
// round learned, which belongs to another worker when a valid lease was
// confirmed. A failed acquisition has end math.MaxInt64.
type operation struct {
	requester string
	holder    string
	timeout   int64 // ms since epoch
	start     int64 // ns since benchmark start
	end       int64
}

func (o operation) failed() bool {
	return o.end == math.MaxInt64
}

// History records the acquisitions of every cell
type History struct {
	sync.RWMutex
	shard map[string][]*operation
}

// NewHistory creates an empty History
func NewHistory() *History {
	return &History{
		shard: make(map[string][]*operation),
	}
}

// AddOperation records op on cell
func (h *History) AddOperation(cell string, op *operation) {
	h.Lock()
	defer h.Unlock()
	h.shard[cell] = append(h.shard[cell], op)
}

// Size is the number of recorded operations
func (h *History) Size() int {
	h.RLock()
	defer h.RUnlock()
	n := 0
	for _, ops := range h.shard {
		n += len(ops)
	}
	return n
}

type grant struct {
	holder  string
	timeout int64
}

// Anomalies counts leases whose validity overlaps the lease of a different
// holder on the same cell. Every lease of a run is valid for d before its
// timeout.
func (h *History) Anomalies(d time.Duration) int {
	h.RLock()
	defer h.RUnlock()

	n := 0
	for _, ops := range h.shard {
		seen := make(map[grant]bool)
		var grants []grant
		for _, op := range ops {
			if op.failed() {
				continue
			}
			g := grant{op.holder, op.timeout}
			if !seen[g] {
				seen[g] = true
				grants = append(grants, g)
			}
		}
		sort.Slice(grants, func(i, j int) bool { return grants[i].timeout < grants[j].timeout })

		for i := 1; i < len(grants); i++ {
			begin := grants[i].timeout - d.Milliseconds()
			for j := i - 1; j >= 0; j-- {
				if grants[j].holder != grants[i].holder && grants[j].timeout > begin {
					n++
					break
				}
			}
		}
	}
	return n
}

// WriteFile writes the history as csv, one acquisition per line
func (h *History) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return h.Write(f)
}

// Write writes the history as csv sorted by cell and start time
func (h *History) Write(w io.Writer) error {
	h.RLock()
	defer h.RUnlock()

	cells := make([]string, 0, len(h.shard))
	for cell := range h.shard {
		cells = append(cells, cell)
	}
	sort.Strings(cells)

	cw := csv.NewWriter(w)
	for _, cell := range cells {
		ops := append([]*operation(nil), h.shard[cell]...)
		sort.Slice(ops, func(i, j int) bool { return ops[i].start < ops[j].start })
		for _, op := range ops {
			err := cw.Write([]string{
				cell,
				op.requester,
				op.holder,
				strconv.FormatInt(op.timeout, 10),
				strconv.FormatInt(op.start, 10),
				strconv.FormatInt(op.end, 10),
			})
			if err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFile loads a history written by WriteFile
func (h *History) ReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return h.Read(f)
}

// Read loads csv records written by Write
func (h *History) Read(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line++
		var nums [3]int64
		for i := range nums {
			nums[i], err = strconv.ParseInt(rec[3+i], 10, 64)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
		}
		h.AddOperation(rec[0], &operation{
			requester: rec[1],
			holder:    rec[2],
			timeout:   nums[0],
			start:     nums[1],
			end:       nums[2],
		})
	}
}
