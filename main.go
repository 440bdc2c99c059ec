package main

import (
	"github.com/mordilloSan/truenas-passwd/webserver/cmd"
)

func main() {
	cmd.StartTrueNASPasswd()
}
