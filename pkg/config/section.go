// Typed access to one configuration section
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"pyhorst-go-migration/pkg/errors"
)

// Section provides typed, access-tracked option getters. Option names
// are case-insensitive. Getters without a fallback fail on a missing
// option; getters given a fallback record the option as accessed either
// way.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// Name returns the section name
func (s *Section) Name() string {
	return s.name
}

func (s *Section) markAccessed(option string) {
	s.mu.Lock()
	s.accessed[strings.ToLower(option)] = struct{}{}
	s.mu.Unlock()
}

// UnusedOptions returns options never accessed since loading
func (s *Section) UnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	return result
}

// HasOption reports whether an option exists in this section
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get returns a string option value
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		s.markAccessed(option)
		return v, nil
	}
	if len(fallback) > 0 {
		s.markAccessed(option)
		return fallback[0], nil
	}
	return "", errors.ConfigOptionError(s.name, option)
}

// GetInt returns an integer option value
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		s.markAccessed(option)
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.ConfigValidationError(s.name, option,
				"'"+v+"' is not an integer")
		}
		return i, nil
	}
	if len(fallback) > 0 {
		s.markAccessed(option)
		return fallback[0], nil
	}
	return 0, errors.ConfigOptionError(s.name, option)
}

// GetFloat returns a float option value
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		s.markAccessed(option)
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errors.ConfigValidationError(s.name, option,
				"'"+v+"' is not a number")
		}
		return f, nil
	}
	if len(fallback) > 0 {
		s.markAccessed(option)
		return fallback[0], nil
	}
	return 0, errors.ConfigOptionError(s.name, option)
}

// GetBool returns a boolean option value. Accepts 1/true/yes/on and
// 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		s.markAccessed(option)
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return false, errors.ConfigValidationError(s.name, option,
			"'"+v+"' is not a boolean")
	}
	if len(fallback) > 0 {
		s.markAccessed(option)
		return fallback[0], nil
	}
	return false, errors.ConfigOptionError(s.name, option)
}

// GetChoice returns a string option that must equal one of choices,
// case-insensitively. The canonical spelling from choices is returned.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", errors.ConfigValidationError(s.name, option,
		"'"+v+"' must be one of "+strings.Join(choices, ", "))
}

// GetDuration returns a duration option value in Go duration syntax
// (e.g. "30s", "2m").
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		s.markAccessed(option)
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.ConfigValidationError(s.name, option,
				"'"+v+"' is not a duration")
		}
		return d, nil
	}
	if len(fallback) > 0 {
		s.markAccessed(option)
		return fallback[0], nil
	}
	return 0, errors.ConfigOptionError(s.name, option)
}

// GetFloatList returns comma-separated floats
func (s *Section) GetFloatList(option string, fallback ...[]float64) ([]float64, error) {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		s.markAccessed(option)
		v = strings.TrimSpace(v)
		if v == "" {
			return []float64{}, nil
		}
		parts := strings.Split(v, ",")
		result := make([]float64, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			f, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, errors.ConfigValidationError(s.name, option,
					"'"+p+"' is not a number")
			}
			result = append(result, f)
		}
		return result, nil
	}
	if len(fallback) > 0 {
		s.markAccessed(option)
		return fallback[0], nil
	}
	return nil, errors.ConfigOptionError(s.name, option)
}
