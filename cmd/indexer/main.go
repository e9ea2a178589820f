package main

import (
	"github.com/vietddude/chainindexer/internal/cli"

	// Native modules register themselves on import.
	_ "github.com/vietddude/chainindexer/internal/execution/native/counter"
)

func main() {
	cli.Execute()
}
