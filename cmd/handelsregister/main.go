package main

import (
	"handelsregister/cmd/handelsregister/commands"
	"handelsregister/lib/util/serviceutil"
)

func main() {
	commands.ExecuteContext(serviceutil.SignalContext())
}
