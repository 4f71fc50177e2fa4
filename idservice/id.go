package idservice

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/acharapko/flease/log"
)

// ID identifies a flease node in format of Zone.Node
type ID uint32

// NewID returns a new ID given zone and node numbers
func NewID(zone, node int) ID {
	return ID(zone<<16 | node)
}

// ParseID parses "Zone.Node"
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid node id %q: want Zone.Node", s)
	}
	zone, err := strconv.Atoi(parts[0])
	if err != nil || zone < 0 || zone > 0xFFFF {
		return 0, fmt.Errorf("invalid zone in node id %q", s)
	}
	node, err := strconv.Atoi(parts[1])
	if err != nil || node < 0 || node > 0xFFFF {
		return 0, fmt.Errorf("invalid node in node id %q", s)
	}
	return NewID(zone, node), nil
}

// NewIDFromString is ParseID for trusted input, it logs and returns 0 on error
func NewIDFromString(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		log.Errorf("%v", err)
		return 0
	}
	return id
}

// Zone returns Zone component
func (i ID) Zone() int {
	return int(i >> 16)
}

// Node returns Node component
func (i ID) Node() int {
	return int(uint32(i) & 0x0000FFFF)
}

// IsClient is true for ids in zone 0, which is reserved for admin clients
func (i ID) IsClient() bool {
	return i.Zone() == 0
}

func (i ID) String() string {
	return strconv.Itoa(i.Zone()) + "." + strconv.Itoa(i.Node())
}

type IDs []ID

func (a IDs) Len() int      { return len(a) }
func (a IDs) Swap(i, j int) { a[i], a[j] = a[j], a[i] }
func (a IDs) Less(i, j int) bool {
	if a[i].Zone() != a[j].Zone() {
		return a[i].Zone() < a[j].Zone()
	}
	return a[i].Node() < a[j].Node()
}
