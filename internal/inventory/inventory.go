// Package inventory reads the YAML list of hosts the coordinator deploys
// workers to.
//
//	defaults:
//	  auto_deploy: true
//	hosts:
//	  - name: local
//	    local: true
//	  - name: build-1
//	    ssh:
//	      address: 10.0.0.5
//	      user: fleet
//	      key_file: ~/.ssh/id_ed25519
//	    policy:
//	      auto_kill: true
//
// A host's policy replaces the defaults as a whole.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/fleet-rpc/internal/appnet"
	"github.com/ChuLiYu/fleet-rpc/internal/host"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Policy is the YAML form of appnet.Policy.
type Policy struct {
	AutoDeploy bool `yaml:"auto_deploy"`
	AutoKill   bool `yaml:"auto_kill"`
	AutoDrop   bool `yaml:"auto_drop"`
}

func (p Policy) appnet() appnet.Policy {
	return appnet.Policy{AutoDeploy: p.AutoDeploy, AutoKill: p.AutoKill, AutoDrop: p.AutoDrop}
}

// Entry is one host. Exactly one of Local and SSH is set.
type Entry struct {
	Name   string          `yaml:"name"`
	Local  bool            `yaml:"local"`
	SSH    *host.SSHConfig `yaml:"ssh"`
	Policy *Policy         `yaml:"policy"`
}

// Inventory is the decoded file.
type Inventory struct {
	Defaults Policy  `yaml:"defaults"`
	Hosts    []Entry `yaml:"hosts"`
}

// Target is a host ready to be deployed to, with the scanner policy it
// gets.
type Target struct {
	Name   string
	Host   host.Host
	Policy appnet.Policy
}

// Load reads and validates the inventory at path on fs.
func Load(fs afero.Fs, path string) (*Inventory, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes and validates an inventory. Unknown fields are rejected.
func Parse(data []byte) (*Inventory, error) {
	inv := &Inventory{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(inv); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Validate checks that names are unique and every entry says how to reach
// its host.
func (inv *Inventory) Validate() error {
	seen := make(map[string]bool, len(inv.Hosts))
	for i, e := range inv.Hosts {
		name := e.name()
		switch {
		case e.Local && e.SSH != nil:
			return fmt.Errorf("hosts[%d] (%s): local and ssh are exclusive", i, name)
		case !e.Local && e.SSH == nil:
			return fmt.Errorf("hosts[%d]: one of local or ssh is required", i)
		case e.SSH != nil && e.SSH.Address == "":
			return fmt.Errorf("hosts[%d] (%s): ssh.address is required", i, name)
		case seen[name]:
			return fmt.Errorf("hosts[%d]: duplicate host %q", i, name)
		}
		seen[name] = true
	}
	return nil
}

func (e Entry) name() string {
	switch {
	case e.Name != "":
		return e.Name
	case e.Local:
		return "localhost"
	case e.SSH != nil:
		return e.SSH.Address
	}
	return ""
}

// Targets builds the hosts. Local files are read from local; key and
// known_hosts paths starting with ~/ are expanded.
func (inv *Inventory) Targets(local afero.Fs) []Target {
	if local == nil {
		local = afero.NewOsFs()
	}
	out := make([]Target, 0, len(inv.Hosts))
	for _, e := range inv.Hosts {
		policy := inv.Defaults
		if e.Policy != nil {
			policy = *e.Policy
		}

		var h host.Host
		if e.Local {
			lh := host.NewLocalHost()
			lh.Name = e.name()
			lh.Source, lh.Target = local, local
			h = lh
		} else {
			cfg := *e.SSH
			cfg.KeyFile = expandHome(cfg.KeyFile)
			cfg.KnownHosts = expandHome(cfg.KnownHosts)
			h = host.NewSSHHost(cfg, local)
		}
		out = append(out, Target{Name: e.name(), Host: h, Policy: policy.appnet()})
	}
	return out
}

// Descriptors creates one descriptor per target, managed by m.
func Descriptors(targets []Target, m appnet.Manager) []*appnet.Descriptor {
	out := make([]*appnet.Descriptor, 0, len(targets))
	for _, t := range targets {
		out = append(out, appnet.NewDescriptor(t.Host, m, t.Policy))
	}
	return out
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
