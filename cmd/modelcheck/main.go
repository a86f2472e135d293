// Package main provides modelcheck, a validation tool for model
// documents: it parses and binds each named document and reports the
// first violation with its element and line.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/scoreflow-io/scoreflow/internal/pmml"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "modelcheck"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if flag.NArg() == 0 {
		log.Println("usage: modelcheck MODEL.pmml [MODEL.pmml...]")
		os.Exit(2)
	}

	failed := false
	for _, path := range flag.Args() {
		if err := check(path); err != nil {
			fmt.Printf("%s: FAIL: %v\n", path, err)
			failed = true
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}

	if failed {
		os.Exit(3)
	}
}

func check(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc, err := pmml.Parse(f)
	if err != nil {
		return err
	}
	bound, err := pmml.Bind(doc)
	if err != nil {
		return err
	}
	if len(bound.Models) == 0 {
		return fmt.Errorf("document contains no scorable model")
	}
	return nil
}
