// Package toolchain maps language identifiers to the recipe used to compile
// and run them.
//
// Adding a language is a registry entry, either in Defaults or in a YAML
// toolchain file loaded with LoadFile. Nothing in the execution path branches
// on the language name.
package toolchain

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Spec describes how one language is built and executed inside a workspace.
// Commands are argument vectors executed directly, never through a shell, and
// run with the workspace root as the working directory.
type Spec struct {
	Language   string
	Name       string
	SourceFile string
	Compile    []string // empty when the language has no compile phase
	Run        []string
	Artifact   string // file produced by Compile, if any
	Env        []string
	Image      string // container image for the docker backend

	// TimeMultiplier and MemoryMultiplier scale the configured limit
	// profiles for slow-starting or memory-hungry runtimes. Zero means 1.
	TimeMultiplier   float64
	MemoryMultiplier float64

	UnboundedAddressSpace bool
}

// Compiled reports whether the toolchain has a compile phase.
func (s Spec) Compiled() bool {
	return len(s.Compile) > 0
}

// Validate checks the invariants every registered spec must hold.
func (s Spec) Validate() error {
	if s.Language == "" {
		return fmt.Errorf("toolchain missing language identifier")
	}
	if s.Language != strings.ToLower(strings.TrimSpace(s.Language)) {
		return fmt.Errorf("toolchain %q: language identifier must be lower-case without spaces", s.Language)
	}
	if err := validateFileName(s.SourceFile); err != nil {
		return fmt.Errorf("toolchain %q: source file: %w", s.Language, err)
	}
	if s.Artifact != "" {
		if err := validateFileName(s.Artifact); err != nil {
			return fmt.Errorf("toolchain %q: artifact: %w", s.Language, err)
		}
	}
	if len(s.Run) == 0 || s.Run[0] == "" {
		return fmt.Errorf("toolchain %q: run command is required", s.Language)
	}
	if len(s.Compile) > 0 && s.Compile[0] == "" {
		return fmt.Errorf("toolchain %q: compile command is empty", s.Language)
	}
	if s.TimeMultiplier < 0 || s.MemoryMultiplier < 0 {
		return fmt.Errorf("toolchain %q: multipliers cannot be negative", s.Language)
	}
	return nil
}

func (s Spec) clone() Spec {
	s.Compile = slices.Clone(s.Compile)
	s.Run = slices.Clone(s.Run)
	s.Env = slices.Clone(s.Env)
	return s
}

// validateFileName accepts a plain file name that stays inside the workspace.
func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("file name is required")
	}
	if filepath.Base(name) != name || name == "." || name == ".." {
		return fmt.Errorf("file name %q must not contain path separators", name)
	}
	return nil
}

// Defaults returns the built-in toolchains.
func Defaults() []Spec {
	return []Spec{
		{
			Language:   "c",
			Name:       "C",
			SourceFile: "main.c",
			Compile:    []string{"gcc", "-O2", "-std=c17", "-o", "main", "main.c", "-lm"},
			Run:        []string{"./main"},
			Artifact:   "main",
			Image:      "gcc:13",
		},
		{
			Language:   "cpp",
			Name:       "C++",
			SourceFile: "main.cpp",
			Compile:    []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
			Run:        []string{"./main"},
			Artifact:   "main",
			Image:      "gcc:13",
		},
		{
			Language:   "python",
			Name:       "Python 3",
			SourceFile: "main.py",
			Run:        []string{"python3", "-B", "main.py"},
			Image:      "python:3.12-alpine",
		},
		{
			// javac requires the public class to match the file name.
			Language:              "java",
			Name:                  "Java",
			SourceFile:            "Main.java",
			Compile:               []string{"javac", "-J-Xss64m", "Main.java"},
			Run:                   []string{"java", "-Xss64m", "-cp", ".", "Main"},
			Artifact:              "Main.class",
			Image:                 "eclipse-temurin:21-jdk",
			TimeMultiplier:        2,
			UnboundedAddressSpace: true,
		},
		{
			Language:              "javascript",
			Name:                  "JavaScript (Node.js)",
			SourceFile:            "main.js",
			Run:                   []string{"node", "main.js"},
			Image:                 "node:20-slim",
			UnboundedAddressSpace: true,
		},
		{
			Language:   "go",
			Name:       "Go",
			SourceFile: "main.go",
			Compile:    []string{"go", "build", "-o", "main", "main.go"},
			Run:        []string{"./main"},
			Artifact:   "main",
			// The build cache lives inside the workspace so it is removed with it.
			Env:                   []string{"GOCACHE=$WORKSPACE/.gocache", "GOPATH=$WORKSPACE/.gopath", "GO111MODULE=off", "CGO_ENABLED=0"},
			Image:                 "golang:1.25-alpine",
			TimeMultiplier:        3,
			UnboundedAddressSpace: true,
		},
	}
}
