package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/wesm/readcache/internal/config"
)

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	save := fs.Bool("save", false, "Write the effective settings to config.json")
	cfg := mustParse(fs, args)

	if *save {
		if err := cfg.Save(); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	if err := writeConfig(os.Stdout, cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
}

// writeConfig prints the effective settings as JSON.
func writeConfig(w io.Writer, cfg config.Config) error {
	out := struct {
		config.Config
		DBPath       string `json:"db_path"`
		MaxObjectAge string `json:"max_object_age"`
	}{cfg, cfg.DBPath, cfg.MaxObjectAge.String()}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
