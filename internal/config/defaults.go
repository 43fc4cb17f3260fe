package config

import (
	"time"

	"github.com/hyperjump/niteru/internal/signature"
)

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8089
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/usr/local/var/niteru/storage.json"
	}
	if cfg.Storage.JournalPath == "" {
		cfg.Storage.JournalPath = "/usr/local/var/niteru/journal.db"
	}
	if cfg.Precalc.SplitDepth == 0 {
		cfg.Precalc.SplitDepth = signature.DefaultDepth
	}
	if cfg.Precalc.Parallelism == 0 {
		cfg.Precalc.Parallelism = 1
	}
	if cfg.Precalc.Extensions == nil {
		cfg.Precalc.Extensions = append([]string(nil), signature.DefaultExtensions...)
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 1000
	}
	if cfg.Output.TableFormat == "" {
		cfg.Output.TableFormat = "github"
	}
	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 400 * time.Millisecond
	}
	if cfg.Watch.FlushDelay == 0 {
		cfg.Watch.FlushDelay = 2 * time.Second
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
