package config

import (
	"flag"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Flags holds command-line flag values, matching spec.md §6's CLI surface
// exactly: four required flags plus two optional ones, plus one extra
// -c flag for the optional TOML overlay of ambient settings.
type Flags struct {
	Domain      string
	Maildir     string
	SMTPPort    int
	ControlPort int
	Transform   string
	VerifyFile  string
	ConfigPath  string
}

// ParseFlags parses command-line flags and returns a Flags struct.
func ParseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.Domain, "d", "", "server domain (required)")
	flag.StringVar(&f.Maildir, "m", "", "maildrop root (required)")
	flag.IntVar(&f.SMTPPort, "s", 0, "SMTP TCP port (required)")
	flag.IntVar(&f.ControlPort, "p", 0, "control-plane UDP port (required)")
	flag.StringVar(&f.Transform, "t", "", "transform shell command (optional)")
	flag.StringVar(&f.VerifyFile, "f", "", "VRFY address file (optional)")
	flag.StringVar(&f.ConfigPath, "c", "", "path to an optional TOML overlay of ambient settings")

	flag.Parse()
	return f
}

// LoadWithFlags builds a Config from Default(), layers the optional TOML
// overlay on top (if -c was given), and finally applies the required/
// optional CLI flags, which always take precedence.
func LoadWithFlags(f *Flags) (Config, error) {
	cfg := Default()

	if f.ConfigPath != "" {
		data, err := os.ReadFile(f.ConfigPath)
		if err != nil {
			return cfg, fmt.Errorf("reading config overlay: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config overlay: %w", err)
		}
	}

	cfg.Domain = f.Domain
	cfg.Maildir = f.Maildir
	cfg.SMTPPort = f.SMTPPort
	cfg.ControlPort = f.ControlPort
	cfg.TransformCmd = f.Transform
	cfg.VerifyFile = f.VerifyFile

	if cfg.TmpDir == "" {
		cfg.TmpDir = cfg.Maildir + "/.tmp"
	}

	return cfg, nil
}
