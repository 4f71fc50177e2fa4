package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/acharapko/flease"
	"github.com/acharapko/flease/client"
	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
)

var id = flag.String("id", "", "node id this client sends admin requests to, random when empty")

func usage() string {
	s := "Usage:\n"
	s += "\t lease cell\n"
	s += "\t state [prefix]\n"
	s += "\t view cell id\n"
	s += "\t acquire cell holder ms\n"
	s += "\t crash id time(s)\n"
	s += "\t exit\n"
	return s
}

var rwclient client.Client
var admin client.AdminClient

func printLease(l *lease.Message) {
	if l == nil {
		fmt.Println("no lease")
		return
	}
	fmt.Printf("%s held by %s until %s (epoch %d, view %d)\n", l.CellID, l.LeaseHolder,
		time.UnixMilli(l.LeaseTimeout).Format(time.RFC3339Nano), l.MasterEpoch, l.ViewID)
}

func run(cmd string, args []string) {
	switch cmd {
	case "lease":
		if len(args) < 1 {
			fmt.Println("lease CELL")
			return
		}
		l, err := rwclient.Lease(args[0])
		if err != nil {
			fmt.Println(err)
			return
		}
		printLease(l)

	case "state":
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		cells, err := rwclient.State(prefix)
		if err != nil {
			fmt.Println(err)
			return
		}
		for _, cs := range cells {
			if cs.Learned {
				printLease(&cs.Lease)
			} else {
				fmt.Printf("%s: no lease\n", cs.CellID)
			}
		}

	case "view":
		if len(args) < 2 {
			fmt.Println("view CELL ID")
			return
		}
		v, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			fmt.Println("second argument should be integer")
			return
		}
		view, err := admin.SetView(args[0], int32(v))
		if err != nil {
			fmt.Println(err)
			return
		}
		fmt.Printf("%s is in view %d\n", args[0], view)

	case "acquire":
		if len(args) < 3 {
			fmt.Println("acquire CELL HOLDER MS")
			return
		}
		ms, err := strconv.Atoi(args[2])
		if err != nil {
			fmt.Println("third argument should be integer")
			return
		}
		l, err := rwclient.Acquire(context.Background(), args[0], args[1], time.Duration(ms)*time.Millisecond)
		if err != nil {
			fmt.Println(err)
			return
		}
		printLease(l)

	case "crash":
		if len(args) < 2 {
			fmt.Println("crash id time(s)")
			return
		}
		nid, err := idservice.ParseID(args[0])
		if err != nil {
			fmt.Println(err)
			return
		}
		t, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Println("second argument should be integer")
			return
		}
		admin.Crash(nid, t)

	case "exit":
		os.Exit(0)

	case "help":
		fallthrough
	default:
		fmt.Println(usage())
	}
}

func main() {
	flease.Init()

	preferred := idservice.ID(0)
	if *id != "" {
		nid, err := idservice.ParseID(*id)
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		preferred = nid
	}
	// zone 0 marks clients, the node part only has to differ between them
	c := client.NewClient(preferred, idservice.NewID(0, os.Getpid()&0xFFFF))
	rwclient, admin = c, c

	if len(flag.Args()) > 0 {
		run(flag.Args()[0], flag.Args()[1:])
	} else {
		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Print("flease $ ")
			text, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			words := strings.Fields(text)
			if len(words) < 1 {
				continue
			}
			run(words[0], words[1:])
		}
	}
}
