package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/udevkit/udev"
)

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct {
	stdin io.Reader
}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return scs.stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

// ConfigFlag is a pflag.Value naming where the monitor config is read
// from.
type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	switch {
	case strings.HasPrefix(value, "file:"):
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	case strings.HasPrefix(value, "env:"):
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	case value == "stdin":
		cf.configSource = &stdinConfigSource{stdin: os.Stdin}
	default:
		return fmt.Errorf("invalid config source: %s", value)
	}
	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

func (cf *ConfigFlag) Type() string {
	return "source"
}

// load reads the config, or returns an empty one when no source is set.
func (cf *ConfigFlag) load() (*MonitorConfig, error) {
	if cf.configSource == nil {
		return &MonitorConfig{}, nil
	}
	reader, closer, err := cf.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open --config %q: %w", cf.String(), err)
	}
	defer closer()

	config, err := parseConfig(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse --config %q: %w", cf.String(), err)
	}
	return config, nil
}

var (
	// names as the kernel forms them: no whitespace, no path separators
	kernelNameRegex = regexp.MustCompile(`^[^\s/]+$`)
)

type SubsystemConfig struct {
	Subsystem string `yaml:"subsystem"`
	Devtype   string `yaml:"devtype,omitempty"`
}

func (sc *SubsystemConfig) validate() error {
	var errs error
	if !kernelNameRegex.MatchString(sc.Subsystem) {
		errs = errors.Join(errs, fmt.Errorf(".subsystem: %q must be a kernel subsystem name", sc.Subsystem))
	}
	if sc.Devtype != "" && !kernelNameRegex.MatchString(sc.Devtype) {
		errs = errors.Join(errs, fmt.Errorf(".devtype: %q must be a kernel device type", sc.Devtype))
	}
	return errs
}

type MonitorConfig struct {
	Source     string            `yaml:"source,omitempty"` // "udev" (default) or "kernel"
	BufferSize int               `yaml:"bufferSize,omitempty"`
	Subsystems []SubsystemConfig `yaml:"subsystems,omitempty"`
	Tags       []string          `yaml:"tags,omitempty"`
	Properties bool              `yaml:"properties,omitempty"` // print every property of an event
}

func (c *MonitorConfig) validate() error {
	var errs error
	switch c.Source {
	case "", "udev", "kernel":
	default:
		errs = errors.Join(errs, fmt.Errorf(".source: %q must be \"udev\" or \"kernel\"", c.Source))
	}
	if c.BufferSize < 0 {
		errs = errors.Join(errs, fmt.Errorf(".bufferSize: %d must not be negative", c.BufferSize))
	}

	for i := range c.Subsystems {
		if err := c.Subsystems[i].validate(); err != nil {
			errs = errors.Join(errs, fmt.Errorf(".subsystems[%d]%w", i, err))
		}
	}

	for i, tag := range c.Tags {
		if !kernelNameRegex.MatchString(tag) || strings.Contains(tag, ":") {
			errs = errors.Join(errs, fmt.Errorf(".tags[%d]: %q must be a udev tag", i, tag))
		}
	}

	return errs
}

func (c *MonitorConfig) source() udev.Source {
	if c.Source == "kernel" {
		return udev.SourceKernel
	}
	return udev.SourceUdev
}

func parseConfig(reader io.Reader) (*MonitorConfig, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	config := &MonitorConfig{}
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// parseSubsystem reads the SUBSYSTEM[/DEVTYPE] form of --subsystem.
func parseSubsystem(value string) (SubsystemConfig, error) {
	subsystem, devtype, _ := strings.Cut(value, "/")
	sc := SubsystemConfig{Subsystem: subsystem, Devtype: devtype}
	if err := sc.validate(); err != nil {
		return SubsystemConfig{}, fmt.Errorf("--subsystem %q%w", value, err)
	}
	return sc, nil
}

// parseKeyValue reads the KEY=VALUE form of --property and --attr.
func parseKeyValue(flag, value string) (string, string, error) {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("--%s %q must be in form KEY=VALUE", flag, value)
	}
	return key, val, nil
}
