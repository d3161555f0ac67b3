package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/phillip-england/returndesk/internal/returndeskcli"
)

func main() {
	if err := returndeskcli.Execute(os.Args[1:]); err != nil {
		if errors.Is(err, returndeskcli.ErrUsage) {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr)
			returndeskcli.PrintUsage(os.Stderr)
			os.Exit(2)
		}
		log.Fatal(err)
	}
}
