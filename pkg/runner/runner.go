// Package runner owns process lifecycle: startup banner, state machine
// and bounded drain on shutdown.
package runner

import (
	"bytes"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// A Drainer finishes in-flight work before the process exits.
type Drainer interface {
	Drain() error
}

const Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"PARLEY\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
