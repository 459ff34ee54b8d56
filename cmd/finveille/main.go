// Command finveille manages the consolidated financial news stores: it
// lists and aggregates records, runs consolidations, and handles backup,
// restore and maintenance of the store files.
package main

import (
	"errors"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/finveille/fault"
)

func main() {
	if err := Execute(); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			fmt.Fprintf(os.Stderr, "finveille: %s: %s: %v\n", fe.Kind, fe.Path, fe.Err)
		} else {
			fmt.Fprintf(os.Stderr, "finveille: %v\n", err)
		}
		os.Exit(1)
	}
}
