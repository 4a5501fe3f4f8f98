// Vela CLI - inspects a runtime's configuration and catalog snapshot.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/vela-lang/vela/catalog"
	"github.com/vela-lang/vela/config"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configPath := flag.String("config", "", "Path to vela.toml (default: search upward from cwd)")
	catalogPath := flag.String("catalog", "", "Path to catalog database (default: from config)")
	className := flag.String("class", "", "Show one class's ancestry and linearization")
	verbosity := flag.Int("v", -1, "Log verbosity (default: from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vela [options]\n\n")
		fmt.Fprintf(os.Stderr, "Inspects the Vela runtime catalog written by an embedding host.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  vela                   # List cataloged classes\n")
		fmt.Fprintf(os.Stderr, "  vela -class Widget     # Show Widget's linearization\n")
	}
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, _, err = config.FindAndLoad(".")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Log.Verbosity
	if *verbosity >= 0 {
		level = *verbosity
	}
	commonlog.Configure(level, nil)

	path := cfg.Catalog.Path
	if *catalogPath != "" {
		path = *catalogPath
	}
	cat, err := catalog.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cat.Close()

	if *className != "" {
		if err := showClass(cat, *className); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	names, err := cat.ClassNames()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func showClass(cat *catalog.Catalog, name string) error {
	row, err := cat.Class(name)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("class %s is not in the catalog", name)
	}
	fmt.Printf("class %s\n", row.Name)
	if len(row.Ancestors) > 0 {
		fmt.Printf("  ancestors:     %s\n", strings.Join(row.Ancestors, ", "))
	}
	fmt.Printf("  linearization: %s\n", strings.Join(row.Linearization, ", "))
	fmt.Printf("  storage slots: %d\n", row.StorageSlots)
	return nil
}
