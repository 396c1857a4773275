// histql is an interactive query shell for historiand.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/historio/historian/internal/client"
)

func main() {
	addr := flag.String("addr", "http://localhost:8086", "historiand base URL")
	flag.Parse()

	c := client.New(*addr)

	// One-shot mode: histql query line1 boiler.temp 0 1700000000000
	if flag.NArg() > 0 {
		sh := client.NewShell(c, os.Stdout)
		sh.Execute(strings.Join(flag.Args(), " "))
		return
	}

	sh := client.NewShell(c, os.Stdout)
	if err := sh.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "histql: %v\n", err)
		os.Exit(1)
	}
}
