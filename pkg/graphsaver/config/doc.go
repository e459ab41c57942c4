/*
Package config provides type-safe value extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
graphsaver uses it in two places: reading the "configurable" map an
execution engine passes alongside each call (thread_id, checkpoint_ns,
checkpoint_id), and reading store settings from YAML or JSON files.

# Basic Usage

	cfg := config.New(map[string]any{
	    "thread_id":      42,
	    "list_page_size": 100,
	    "encode_values":  true,
	})

	thread := cfg.ID("thread_id", "")            // "42"
	pageSize := cfg.Int("list_page_size", 64)   // 100
	encode := cfg.Bool("encode_values", false)  // true

# File Loading

	cfg, err := config.FromFile("settings.yaml", "graphsaver")
	if err != nil {
	    log.Fatal(err)
	}

A document may nest the settings under a section key; when the section is
present only that subtree is returned.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation.
*/
package config
