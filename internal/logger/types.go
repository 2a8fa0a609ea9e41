package logger

// Output encodings.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config selects the log level, encoding and destinations.
type Config struct {
	Level string `env:"LOG_LEVEL" yaml:"level"`
	// Format is "json" or "console".
	Format string `env:"LOG_FORMAT" yaml:"format"`
	// Development turns off sampling and adds caller stack traces on warnings.
	Development bool     `yaml:"development"`
	OutputPaths []string `yaml:"output_paths"`
}

// SetDefaults fills an info-level JSON logger on stdout.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format != FormatConsole {
		c.Format = FormatJSON
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
}
