// Command rewriter keeps text files in sync with a set of regular-expression
// search/replace rules. It loads the rules from a JSON or YAML settings
// file, watches every configured file through file-system notifications and
// a polling scan, rewrites files whose content changed, reloads the settings
// when they are edited, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "rewriter: %v\n", err)
		os.Exit(1)
	}
}
