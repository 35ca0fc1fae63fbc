// Command config-check validates a workspace configuration file and prints
// the storage schema synthesized for each declared entity type.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"replicore/internal/config"
	"replicore/internal/schema"
	"replicore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("config-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "workspace.json", "path to the workspace configuration file")
	compact := fs.Bool("compact", false, "print compact JSON instead of indented")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	index, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config-check: %v\n", err)
		return 1
	}

	synth := schema.New()
	out := make(map[domain.EntityType]domain.StorageSchema)
	for _, entityType := range index.Types() {
		desc, _ := index.Descriptor(entityType)
		storageSchema, ok := synth.Synthesize(entityType, desc)
		if !ok {
			fmt.Fprintf(stderr, "config-check: cannot synthesize schema for %s\n", entityType)
			return 1
		}
		out[entityType] = storageSchema
	}

	enc := json.NewEncoder(stdout)
	if !*compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "config-check: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "config-check: %d entity type(s) OK\n", len(out))
	return 0
}
