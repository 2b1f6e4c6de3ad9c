package main

import (
	"fmt"
	"os"

	"github.com/danmuck/sbtransport/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	format := fs.String("format", "toml", "config format: toml|yaml")
	output := fs.StringP("output", "o", "cmd/sbctl/client.toml", "output path for the client config template")
	validate := fs.Bool("validate", false, "validate an existing client config instead of writing one")
	input := fs.StringP("input", "i", "", "config path for validation (defaults to --output)")
	force := fs.Bool("force", false, "overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *validate {
		path := *input
		if path == "" {
			path = *output
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		fmt.Printf("Validated client config for %s at %s\n", cfg.Entity, path)
		return nil
	}

	if err := config.WriteTemplate(*output, *format, *force); err != nil {
		return err
	}
	fmt.Printf("Wrote %s client config template to %s\n", *format, *output)
	return nil
}
