package toolchain

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// fileSpec is the on-disk form of a toolchain. Commands are written as
// strings and split into argv with shell-like quoting rules; they are never
// handed to a shell.
//
//	toolchains:
//	  - language: rust
//	    name: Rust
//	    source: main.rs
//	    compile: rustc -O -o main main.rs
//	    run: ./main
//	    artifact: main
//	    image: rust:1.80-slim
type fileSpec struct {
	Language              string   `yaml:"language"`
	Name                  string   `yaml:"name"`
	Source                string   `yaml:"source"`
	Compile               string   `yaml:"compile"`
	Run                   string   `yaml:"run"`
	Artifact              string   `yaml:"artifact"`
	Env                   []string `yaml:"env"`
	Image                 string   `yaml:"image"`
	TimeMultiplier        float64  `yaml:"timeMultiplier"`
	MemoryMultiplier      float64  `yaml:"memoryMultiplier"`
	UnboundedAddressSpace bool     `yaml:"unboundedAddressSpace"`
}

type fileDocument struct {
	Toolchains []fileSpec `yaml:"toolchains"`
}

// LoadFile reads toolchain definitions from a YAML file.
func LoadFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading toolchain file: %w", err)
	}
	return Parse(data)
}

// Parse decodes toolchain definitions from YAML.
func Parse(data []byte) ([]Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc fileDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding toolchain file: %w", err)
	}

	specs := make([]Spec, 0, len(doc.Toolchains))
	for i, fs := range doc.Toolchains {
		spec, err := fs.toSpec()
		if err != nil {
			return nil, fmt.Errorf("toolchain #%d: %w", i+1, err)
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (fs fileSpec) toSpec() (Spec, error) {
	run, err := splitCommand(fs.Run)
	if err != nil {
		return Spec{}, fmt.Errorf("run command: %w", err)
	}
	var compile []string
	if strings.TrimSpace(fs.Compile) != "" {
		compile, err = splitCommand(fs.Compile)
		if err != nil {
			return Spec{}, fmt.Errorf("compile command: %w", err)
		}
	}
	name := fs.Name
	if name == "" {
		name = fs.Language
	}
	return Spec{
		Language:              strings.ToLower(strings.TrimSpace(fs.Language)),
		Name:                  name,
		SourceFile:            fs.Source,
		Compile:               compile,
		Run:                   run,
		Artifact:              fs.Artifact,
		Env:                   fs.Env,
		Image:                 fs.Image,
		TimeMultiplier:        fs.TimeMultiplier,
		MemoryMultiplier:      fs.MemoryMultiplier,
		UnboundedAddressSpace: fs.UnboundedAddressSpace,
	}, nil
}

func splitCommand(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("command is required")
	}
	fields, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("command %q is empty", raw)
	}
	return fields, nil
}
