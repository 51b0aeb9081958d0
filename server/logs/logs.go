// Package logs exposes info, warning and error loggers shared by the server.
package logs

import (
	"log"
	"os"
)

// Loggers are initialized by Init before the server starts serving.
var (
	Info *log.Logger
	Warn *log.Logger
	Err  *log.Logger
)

// Init sets up the package-level loggers. Flags are stdlib log flags.
func Init(flags int) {
	Info = log.New(os.Stdout, "I", flags)
	Warn = log.New(os.Stdout, "W", flags)
	Err = log.New(os.Stderr, "E", flags)
}

func init() {
	// Usable defaults for code which logs before main calls Init.
	Init(log.LstdFlags)
}
