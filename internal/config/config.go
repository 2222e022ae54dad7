// Package config loads the per-driver serial settings and HTTP bind
// address from an INI file, the way samsamfire/gocanopen's od.go loads
// an EDS file's sections with gopkg.in/ini.v1 — one section per driver,
// read once at process start.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// SerialSection is one driver's [com]/[baudrate]/[adr] triple, per
// spec.md §6.
type SerialSection struct {
	Com      string
	Baudrate int
	Adr      int
}

// Config is the full process configuration: one serial section per
// driver, plus the HTTP bind address.
type Config struct {
	CCNET  SerialSection
	CCTalk SerialSection
	LCDM   SerialSection

	HTTPAddr string

	// LCDM has no device-side nominal fetch (spec.md has none for this
	// protocol); cassette denominations are operator-configured.
	LCDMUpperNominal int
	LCDMLowerNominal int

	ReadTimeout time.Duration
}

// Load reads path and populates Config from its [ccnet]/[cctalk]/[lcdm]/
// [http] sections.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Config{ReadTimeout: 2 * time.Second}

	if err := loadSerialSection(f, "ccnet", &cfg.CCNET); err != nil {
		return nil, err
	}
	if err := loadSerialSection(f, "cctalk", &cfg.CCTalk); err != nil {
		return nil, err
	}
	if err := loadSerialSection(f, "lcdm", &cfg.LCDM); err != nil {
		return nil, err
	}

	http := f.Section("http")
	cfg.HTTPAddr = http.Key("addr").MustString(":8080")

	lcdm := f.Section("lcdm")
	cfg.LCDMUpperNominal = lcdm.Key("upper_nominal").MustInt(0)
	cfg.LCDMLowerNominal = lcdm.Key("lower_nominal").MustInt(0)

	return cfg, nil
}

func loadSerialSection(f *ini.File, name string, out *SerialSection) error {
	section, err := f.GetSection(name)
	if err != nil {
		return fmt.Errorf("config: missing [%s] section: %w", name, err)
	}
	com, err := section.GetKey("com")
	if err != nil {
		return fmt.Errorf("config: [%s].com: %w", name, err)
	}
	baud, err := section.GetKey("baudrate")
	if err != nil {
		return fmt.Errorf("config: [%s].baudrate: %w", name, err)
	}
	baudrate, err := baud.Int()
	if err != nil {
		return fmt.Errorf("config: [%s].baudrate: %w", name, err)
	}
	adr := section.Key("adr").MustInt(0)

	out.Com = com.String()
	out.Baudrate = baudrate
	out.Adr = adr
	return nil
}
