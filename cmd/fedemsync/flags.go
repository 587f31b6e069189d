package main

import "time"

// Flag structs decouple cobra from the command logic for testing.
type BatchFlags struct {
	Directives []string
	Listen     string
	Timeout    time.Duration
}

type WatchFlags struct {
	Dirs     []string
	Patterns []string
	Once     bool
	Interval time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Listen     string
	Batch      []string
}

type StatusFlags struct {
	View       string
	APIUrl     string
	APITimeout time.Duration
}
