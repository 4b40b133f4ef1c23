package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents a cpsim.yaml configuration file.
// All values are optional; Defaults fills what the file leaves out.
type Config struct {
	Session   string          `yaml:"session"`
	LogLevel  string          `yaml:"log_level"`
	SRAM      SRAMConfig      `yaml:"sram"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Router    RouterConfig    `yaml:"router"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Relay     RelayConfig     `yaml:"relay"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Notifier  NotifierConfig  `yaml:"notifier"`
}

// SRAMConfig sizes the simulated shared memory.
type SRAMConfig struct {
	Size     uint32 `yaml:"size"`
	Coherent uint32 `yaml:"coherent"`
}

// SlotCounts is a slot count per priority.
type SlotCounts struct {
	High   int `yaml:"high"`
	Normal int `yaml:"normal"`
}

// MailboxConfig holds the channel geometry as seen from the host.
type MailboxConfig struct {
	HostToAux SlotCounts `yaml:"host_to_aux"`
	AuxToHost SlotCounts `yaml:"aux_to_host"`
	SlotSize  int        `yaml:"slot_size"`
}

// RouterConfig holds router limits.
type RouterConfig struct {
	MaxOutOfBand int `yaml:"max_out_of_band"`
}

// LifecycleConfig holds aux power and idle loop settings.
type LifecycleConfig struct {
	BootTimeout   Duration `yaml:"boot_timeout"`
	FlushTimeout  Duration `yaml:"flush_timeout"`
	UsageInterval Duration `yaml:"usage_interval"`
	NoIdle        bool     `yaml:"no_idle"`
}

// RelayConfig holds diagnostics ring and crash handshake settings.
type RelayConfig struct {
	Entries           uint32   `yaml:"entries"`
	DataSize          uint32   `yaml:"data_size"`
	Coalesce          Duration `yaml:"coalesce"`
	NearFullThreshold uint32   `yaml:"near_full_threshold"`
	FlushTimeout      Duration `yaml:"flush_timeout"`
	AckTimeout        Duration `yaml:"ack_timeout"`
	EndTimeout        Duration `yaml:"end_timeout"`
}

// ArchiveConfig selects where diagnostics and crash reports are persisted.
type ArchiveConfig struct {
	Backend       string   `yaml:"backend"` // fs, s3, none
	Dataset       string   `yaml:"dataset"`
	Path          string   `yaml:"path"`
	Region        string   `yaml:"region"`
	Endpoint      string   `yaml:"endpoint"`
	S3PathStyle   bool     `yaml:"s3_path_style"`
	BufferRecords int      `yaml:"buffer_records"`
	BufferBytes   int64    `yaml:"buffer_bytes"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// NotifierConfig selects the outward crash notifier.
type NotifierConfig struct {
	Type    string            `yaml:"type"` // webhook, redis, none
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	// Retain keeps each event under <channel>:<crash id> (redis only).
	Retain Duration `yaml:"retain,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	setDefault(&c.LogLevel, "info")
	setDefault(&c.SRAM.Size, 256*1024)
	setDefault(&c.SRAM.Coherent, 4*1024)
	setDefault(&c.Mailbox.HostToAux.High, 4)
	setDefault(&c.Mailbox.HostToAux.Normal, 16)
	setDefault(&c.Mailbox.AuxToHost.High, 4)
	setDefault(&c.Mailbox.AuxToHost.Normal, 16)
	setDefault(&c.Mailbox.SlotSize, 256)
	setDefault(&c.Router.MaxOutOfBand, 64*1024)
	setDefault(&c.Lifecycle.BootTimeout.Duration, 2*time.Second)
	setDefault(&c.Lifecycle.FlushTimeout.Duration, 500*time.Millisecond)
	setDefault(&c.Lifecycle.UsageInterval.Duration, time.Second)
	setDefault(&c.Relay.Entries, 64)
	setDefault(&c.Relay.DataSize, 16*1024)
	setDefault(&c.Relay.NearFullThreshold, 200)
	setDefault(&c.Relay.FlushTimeout.Duration, 2*time.Second)
	setDefault(&c.Relay.AckTimeout.Duration, 500*time.Millisecond)
	setDefault(&c.Relay.EndTimeout.Duration, 500*time.Millisecond)
	setDefault(&c.Archive.Backend, "none")
	setDefault(&c.Archive.Dataset, "cpsim")
	setDefault(&c.Archive.BufferRecords, 1000)
	setDefault(&c.Archive.BufferBytes, 1024*1024)
	setDefault(&c.Notifier.Type, "none")
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// Validate checks the configuration after defaults have been applied.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.SRAM.Coherent > c.SRAM.Size {
		errs = append(errs, fmt.Errorf("sram.coherent (%d) exceeds sram.size (%d)", c.SRAM.Coherent, c.SRAM.Size))
	}
	for name, n := range map[string]int{
		"mailbox.host_to_aux.high":   c.Mailbox.HostToAux.High,
		"mailbox.host_to_aux.normal": c.Mailbox.HostToAux.Normal,
		"mailbox.aux_to_host.high":   c.Mailbox.AuxToHost.High,
		"mailbox.aux_to_host.normal": c.Mailbox.AuxToHost.Normal,
	} {
		if n < 1 || n > 255 {
			errs = append(errs, fmt.Errorf("%s must be in [1, 255], got %d", name, n))
		}
	}
	if c.Mailbox.SlotSize <= 4 || c.Mailbox.SlotSize%4 != 0 {
		errs = append(errs, fmt.Errorf("mailbox.slot_size must be a multiple of 4 above 4, got %d", c.Mailbox.SlotSize))
	}
	if c.Router.MaxOutOfBand < 0 {
		errs = append(errs, fmt.Errorf("router.max_out_of_band must be >= 0, got %d", c.Router.MaxOutOfBand))
	}
	if c.Relay.Entries == 0 {
		errs = append(errs, errors.New("relay.entries must be > 0"))
	}
	if c.Relay.NearFullThreshold >= c.Relay.DataSize {
		errs = append(errs, fmt.Errorf("relay.near_full_threshold (%d) must be below relay.data_size (%d)",
			c.Relay.NearFullThreshold, c.Relay.DataSize))
	}
	if c.Lifecycle.UsageInterval.Duration < 0 {
		errs = append(errs, errors.New("lifecycle.usage_interval must be >= 0"))
	}

	switch c.Archive.Backend {
	case "none":
	case "fs":
		if c.Archive.Path == "" {
			errs = append(errs, errors.New("archive.path is required for the fs backend"))
		}
	case "s3":
		if c.Archive.Path == "" {
			errs = append(errs, errors.New("archive.path (bucket[/prefix]) is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive.backend must be fs, s3 or none, got %q", c.Archive.Backend))
	}
	if c.Archive.BufferRecords <= 0 && c.Archive.BufferBytes <= 0 {
		errs = append(errs, errors.New("archive: at least one of buffer_records or buffer_bytes must be set"))
	}

	switch c.Notifier.Type {
	case "none":
	case "webhook", "redis":
		if c.Notifier.URL == "" {
			errs = append(errs, fmt.Errorf("notifier.url is required for the %s notifier", c.Notifier.Type))
		}
	default:
		errs = append(errs, fmt.Errorf("notifier.type must be webhook, redis or none, got %q", c.Notifier.Type))
	}
	if c.Notifier.Retain.Duration < 0 {
		errs = append(errs, fmt.Errorf("notifier.retain must be >= 0, got %v", c.Notifier.Retain.Duration))
	}
	if c.Notifier.Retries != nil && *c.Notifier.Retries < 0 {
		errs = append(errs, fmt.Errorf("notifier.retries must be >= 0, got %d", *c.Notifier.Retries))
	}

	return errors.Join(errs...)
}
