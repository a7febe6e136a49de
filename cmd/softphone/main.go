// Команда softphone запускает мост событий софтфона поверх SIP движка.
package main

import (
	"os"
)

// version задается при сборке через -ldflags
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
