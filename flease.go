package flease

import (
	"flag"

	"github.com/acharapko/flease/cfg"
	"github.com/acharapko/flease/hlc"
	"github.com/acharapko/flease/log"
)

// Init setup flease package
func Init() {
	flag.Parse()
	log.Setup()
	cfg.GetConfig().Load()
	hlc.HLClock.SetMaxOffset(cfg.GetConfig().DMax)
}
