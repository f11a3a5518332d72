// Copyright 2024 Noodle, Inc.
// This software is released under an MIT/X11 open source license.

package main

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/noodle-run/noodle/icrm/echo"
	"github.com/noodle-run/noodle/modcache"
)

// defaultModuleConfig registers just the echo template, so a freshly
// started daemon has something to mount and activate without
// requiring a -config file.
func defaultModuleConfig() modcache.Config {
	return modcache.Config{
		ICRMs: []modcache.ICRMEntry{
			{Tag: echo.Tag, ModulePath: "github.com/noodle-run/noodle/icrm/echo"},
		},
		Templates: []modcache.TemplateEntry{
			{Name: echo.TemplateName, ModulePath: "github.com/noodle-run/noodle/icrm/echo"},
		},
	}
}

// loadModuleConfig reads a noodle-config YAML file naming the ICRM
// and template descriptors to make available, grounded on the
// teacher daemon's loadConfigYaml.
func loadModuleConfig(path string) (modcache.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return modcache.Config{}, err
	}
	defer f.Close()

	var cfg modcache.Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return modcache.Config{}, err
	}
	return cfg, nil
}
