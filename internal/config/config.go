// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML description of a simulated SoC: its M4U
// instances and the bus master devices consuming translation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-iommu/m4u"
)

// DefaultProtect is the protect buffer address used when none is given.
const DefaultProtect = 0x3000_0000

// DefaultLarbs is the local arbiter count used when none is given.
const DefaultLarbs = 32

// Config represents a simulated SoC.
type Config struct {
	Instances []Instance `yaml:"instances"`
	Devices   []Device   `yaml:"devices"`
}

// Instance represents an M4U hardware instance.
type Instance struct {
	// Name is optional, instances are named after their platform
	// otherwise.
	Name     string `yaml:"name"`
	Platform string `yaml:"platform"`
	// Misc is the infra misc system configuration register value, bit 13
	// enables 4GB mode on platforms supporting it.
	Misc    uint32 `yaml:"misc"`
	Protect uint64 `yaml:"protect"`
	Larbs   int    `yaml:"larbs"`
}

// Device represents a bus master.
type Device struct {
	Name     string `yaml:"name"`
	Instance int    `yaml:"instance"`
	// Larb and Ports describe multimedia masters, IDs lists raw master
	// identifiers for anything else.
	Larb  *int     `yaml:"larb"`
	Ports []int    `yaml:"ports"`
	IDs   []uint32 `yaml:"ids"`
	DMA   *DMA     `yaml:"dma"`
}

// DMA represents a device DMA address window.
type DMA struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

// MasterIDs returns the master identifiers of the device ports.
func (d *Device) MasterIDs() (ids []uint32) {
	ids = append(ids, d.IDs...)

	if d.Larb != nil {
		for _, p := range d.Ports {
			ids = append(ids, m4u.M4UID(*d.Larb, p))
		}
	}

	return
}

// Range returns the device DMA window, nil if none is declared.
func (d *Device) Range() *m4u.DMARange {
	if d.DMA == nil {
		return nil
	}

	return &m4u.DMARange{
		Start: d.DMA.Start,
		Size:  d.DMA.Size,
	}
}

// Parse decodes and validates a YAML SoC description, unknown fields are
// rejected.
func Parse(buf []byte) (*Config, error) {
	c := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("could not decode configuration, %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Load reads and parses a YAML SoC description file.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	return Parse(buf)
}

func (c *Config) validate() error {
	if len(c.Instances) == 0 {
		return errors.New("no instances defined")
	}

	for i := range c.Instances {
		inst := &c.Instances[i]

		if _, err := m4u.Lookup(inst.Platform); err != nil {
			return fmt.Errorf("instance %d, %w", i, err)
		}

		if inst.Protect == 0 {
			inst.Protect = DefaultProtect
		}

		if inst.Larbs == 0 {
			inst.Larbs = DefaultLarbs
		}
	}

	names := make(map[string]bool)

	for i := range c.Devices {
		dev := &c.Devices[i]

		switch {
		case dev.Name == "":
			return fmt.Errorf("device %d has no name", i)
		case names[dev.Name]:
			return fmt.Errorf("duplicate device %s", dev.Name)
		case dev.Instance < 0 || dev.Instance >= len(c.Instances):
			return fmt.Errorf("device %s references invalid instance %d", dev.Name, dev.Instance)
		case len(dev.Ports) > 0 && dev.Larb == nil:
			return fmt.Errorf("device %s lists ports without larb", dev.Name)
		case len(dev.MasterIDs()) == 0:
			return fmt.Errorf("device %s has no master ids", dev.Name)
		case dev.DMA != nil && dev.DMA.Size == 0:
			return fmt.Errorf("device %s has empty DMA range", dev.Name)
		}

		for _, p := range dev.Ports {
			if p < 0 || p > 31 {
				return fmt.Errorf("device %s has invalid port %d", dev.Name, p)
			}
		}

		names[dev.Name] = true
	}

	return nil
}

// Device returns a device by name.
func (c *Config) Device(name string) (*Device, error) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], nil
		}
	}

	return nil, fmt.Errorf("unknown device %s", name)
}
