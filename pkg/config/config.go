// INI-style host configuration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package config parses the host's INI-style configuration file and
// exposes typed, access-tracked option getters. Unused sections and
// options are reported so stale config never goes unnoticed.
package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"pyhorst-go-migration/pkg/errors"
)

// Config provides access to a parsed configuration file
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates an empty Config
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	c := New()
	if err := c.parse(bufio.NewScanner(f)); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, nil
}

// LoadString parses a configuration from a string
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(bufio.NewScanner(strings.NewReader(data))); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parse(scanner *bufio.Scanner) error {
	var currentSection string
	var currentOptions map[string]string

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if currentSection != "" {
				c.addSection(currentSection, currentOptions)
			}
			currentSection = strings.TrimSpace(line[1 : len(line)-1])
			if currentSection == "" {
				return fmt.Errorf("empty section header at line %d", lineNum)
			}
			currentOptions = make(map[string]string)
			continue
		}

		// Options before the first section header are invalid.
		if currentSection == "" {
			return fmt.Errorf("option outside any section at line %d", lineNum)
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, "=", 2)
		}
		if len(kv) != 2 {
			return fmt.Errorf("malformed option at line %d: %q", lineNum, line)
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			return fmt.Errorf("empty option name at line %d", lineNum)
		}
		currentOptions[key] = strings.TrimSpace(kv[1])
	}
	if currentSection != "" {
		c.addSection(currentSection, currentOptions)
	}
	return scanner.Err()
}

func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a section by name
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, errors.ConfigSectionError(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a section if present, else nil
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessedSections[name] = struct{}{}
	}
	return sec
}

// HasSection reports whether a section exists
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetPrefixSections returns all sections whose name starts with prefix,
// in file order, marking them accessed.
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	var result []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			c.accessedSections[name] = struct{}{}
			result = append(result, c.sections[name])
		}
	}
	return result
}

// UnusedSections returns sections never accessed since loading
func (c *Config) UnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnused fails when any section or option was never read, which
// usually means a typo in the config file.
func (c *Config) CheckUnused() error {
	if unused := c.UnusedSections(); len(unused) > 0 {
		return errors.New(errors.ErrConfigValidation,
			fmt.Sprintf("unused config sections: %v", unused))
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	var problems []string
	for _, name := range c.order {
		if unused := c.sections[name].UnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: %v", name, unused))
		}
	}
	if len(problems) > 0 {
		return errors.New(errors.ErrConfigValidation,
			fmt.Sprintf("unused config options: %s", strings.Join(problems, "; ")))
	}
	return nil
}
