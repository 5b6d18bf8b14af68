package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Problem is the reason a trace filename was rejected.
type Problem int

const (
	ProblemNone Problem = iota
	ProblemEmptyName
	ProblemMissing
	ProblemNotRegular
	ProblemEmptyFile
)

// FileCheck is the result of ValidateFilename.
type FileCheck struct {
	Path     string
	Absolute string
	Problem  Problem
}

// OK reports whether the file is usable as a merge input.
func (c FileCheck) OK() bool {
	return c.Problem == ProblemNone
}

// Err returns the diagnostic for a rejected file, or nil.
func (c FileCheck) Err() error {
	switch c.Problem {
	case ProblemEmptyName:
		return fmt.Errorf("invalid filename (is empty string)")
	case ProblemMissing:
		return fmt.Errorf("filename [%s] does not refer to a filesystem object. As absolute: [%s]", c.Path, c.Absolute)
	case ProblemNotRegular:
		return fmt.Errorf("filename [%s] does not refer to a regular file. As absolute: [%s]", c.Path, c.Absolute)
	case ProblemEmptyFile:
		return fmt.Errorf("filename [%s] refers to an empty file. As absolute: [%s]", c.Path, c.Absolute)
	default:
		return nil
	}
}

// ValidateFilename checks that path names an existing, regular, non-empty
// file.
func ValidateFilename(path string) FileCheck {
	c := FileCheck{Path: path}
	if path == "" {
		c.Problem = ProblemEmptyName
		return c
	}
	if abs, err := filepath.Abs(path); err == nil {
		c.Absolute = abs
	} else {
		c.Absolute = path
	}

	info, err := os.Stat(path)
	switch {
	case err != nil:
		c.Problem = ProblemMissing
	case !info.Mode().IsRegular():
		c.Problem = ProblemNotRegular
	case info.Size() == 0:
		c.Problem = ProblemEmptyFile
	}
	return c
}

// ValidateInputs checks the guest and host files of cfg.
func ValidateInputs(cfg TraceCombineConfig) error {
	for _, path := range []string{cfg.GuestFile, cfg.HostFile} {
		if err := ValidateFilename(path).Err(); err != nil {
			return err
		}
	}
	return nil
}
