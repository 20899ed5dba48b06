// Command inproc inspects the calling process through the library's own
// enumerators: loaded modules, memory ranges, threads, and the program /
// interpreter / vDSO triple.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
