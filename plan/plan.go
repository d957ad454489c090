// Package plan lowers a validated manifest to the CapabilityPlan consumed by
// the loader.
//
// Compile is a pure transformation: the output is value-typed and holds no
// references to the source manifest. Non-canonical input is refused rather
// than repaired.
package plan

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"zerok.dev/zerok/manifest"
	"zerok.dev/zerok/zerr"
)

// Stable rule IDs.
const (
	RuleNonCanonical = "ZK-POLICY-001"
	RuleUnresolved   = "ZK-POLICY-002"
)

// AccessMode is the file-service access granted for a namespace.
type AccessMode string

const (
	AccessRead  AccessMode = "ro"
	AccessWrite AccessMode = "rw"
)

// Namespace is one file-service grant.
type Namespace struct {
	Path   string     `json:"path"`
	Mode   AccessMode `json:"mode"`
	Prefix bool       `json:"prefix,omitempty"` // grants the subtree, not just the path
}

// TLSRequirements pins the transport policy for one endpoint.
type TLSRequirements struct {
	Required       bool     `json:"required"`
	HostnameVerify bool     `json:"hostname_verify"`
	SPKIPins       []string `json:"spki_pins,omitempty"`
}

// NetEndpoint is one allowed destination, optionally resolved to IPs.
type NetEndpoint struct {
	Host       string          `json:"host"`
	Port       uint16          `json:"port"`
	UDP        bool            `json:"udp"`
	IPs        []string        `json:"ips,omitempty"`
	Unresolved bool            `json:"unresolved,omitempty"`
	TLS        TLSRequirements `json:"tls"`
}

// MemoryQuota is the mapped-memory ceiling.
type MemoryQuota struct {
	MaxBytes uint64 `json:"max_bytes"`
	RSSMax   uint64 `json:"rss_max,omitempty"`
}

// CPUQuota is the scheduling descriptor.
type CPUQuota struct {
	Schedule    string `json:"schedule"`
	QuotaMSPerS uint32 `json:"quota_ms_per_s,omitempty"`
	Core        int64  `json:"core"` // -1 means unpinned
	JitterMS    uint32 `json:"jitter_ms"`
}

// TimeSource describes the granted time capability.
type TimeSource struct {
	ResolutionMS uint32 `json:"resolution_ms"`
	RDTSC        bool   `json:"rdtsc"`
}

// ExecFlags carries the process-creation rights.
type ExecFlags struct {
	Spawn  bool `json:"spawn"`
	Dlopen bool `json:"dlopen"`
}

// CapabilityPlan is the sole interface handed to the loader.
type CapabilityPlan struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Epoch   uint64 `json:"epoch"`

	Memory     *MemoryQuota  `json:"memory,omitempty"`
	CPU        *CPUQuota     `json:"cpu,omitempty"`
	Namespaces []Namespace   `json:"namespaces,omitempty"`
	Endpoints  []NetEndpoint `json:"endpoints,omitempty"`
	IPC        []string      `json:"ipc,omitempty"`
	Exec       ExecFlags     `json:"exec"`
	Time       *TimeSource   `json:"time,omitempty"`
	RNG        string        `json:"rng,omitempty"`
}

// Resolver resolves a hostname to IP addresses. The stdlib resolver is used
// when nil.
type Resolver func(ctx context.Context, host string) ([]string, error)

// Options parameterizes Compile.
type Options struct {
	// ResolveHosts bakes DNS names into IP sets at compile time.
	ResolveHosts bool

	// StrictResolve fails compilation when a hostname does not resolve;
	// otherwise the endpoint is carried with Unresolved set and the consumer
	// decides.
	StrictResolve bool

	Resolver Resolver
	Context  context.Context
}

// Compile lowers m into a CapabilityPlan. m must already have passed
// manifest validation; Compile re-checks path canonicality and refuses
// non-canonical input rather than trusting the caller.
func Compile(m *manifest.Manifest, opts Options) (*CapabilityPlan, error) {
	p := &CapabilityPlan{
		Name:    m.Name,
		Version: m.Version,
		Epoch:   m.EpochValue(),
	}

	c := &m.Capabilities
	if c.Memory != nil {
		q := &MemoryQuota{MaxBytes: c.Memory.MaxBytes}
		if c.Memory.RSSMax != nil {
			q.RSSMax = *c.Memory.RSSMax
		}
		p.Memory = q
	}
	if c.CPU != nil {
		q := &CPUQuota{Schedule: c.CPU.Schedule, Core: -1, JitterMS: c.CPU.JitterMS}
		if c.CPU.QuotaMSPerS != nil {
			q.QuotaMSPerS = *c.CPU.QuotaMSPerS
		}
		if c.CPU.Core != nil {
			q.Core = int64(*c.CPU.Core)
		}
		p.CPU = q
	}

	if c.Files != nil {
		ns, err := namespaces(c.Files.Read, AccessRead)
		if err != nil {
			return nil, err
		}
		p.Namespaces = append(p.Namespaces, ns...)
		ns, err = namespaces(c.Files.Write, AccessWrite)
		if err != nil {
			return nil, err
		}
		p.Namespaces = append(p.Namespaces, ns...)
		sort.Slice(p.Namespaces, func(i, j int) bool {
			if p.Namespaces[i].Path != p.Namespaces[j].Path {
				return p.Namespaces[i].Path < p.Namespaces[j].Path
			}
			return p.Namespaces[i].Mode < p.Namespaces[j].Mode
		})
	}

	if c.Network != nil {
		eps, err := endpoints(c.Network, opts)
		if err != nil {
			return nil, err
		}
		p.Endpoints = eps
	}

	if c.IPC != nil {
		p.IPC = append([]string(nil), c.IPC.Services...)
		sort.Strings(p.IPC)
	}
	if c.Exec != nil {
		p.Exec = ExecFlags{Spawn: c.Exec.AllowSpawn, Dlopen: c.Exec.AllowDlopen}
	}
	if c.Time != nil {
		p.Time = &TimeSource{ResolutionMS: c.Time.ResolutionMS, RDTSC: c.Time.RDTSC}
	}
	if c.RNG != nil {
		p.RNG = c.RNG.Provider
	}
	return p, nil
}

func namespaces(fs *manifest.FileSet, mode AccessMode) ([]Namespace, error) {
	if fs == nil {
		return nil, nil
	}
	out := make([]Namespace, 0, len(fs.Paths))
	for _, raw := range fs.Paths {
		prefix := false
		path := raw
		if strings.HasSuffix(raw, manifest.WildcardSuffix) {
			if !fs.WildcardsAllowed {
				return nil, zerr.At(zerr.KindPolicy, RuleNonCanonical, raw,
					"wildcard entry without wildcards_allowed")
			}
			prefix = true
			path = strings.TrimSuffix(raw, manifest.WildcardSuffix)
			if path == "" {
				path = "/"
			}
		}
		if err := manifest.CheckPath(path); err != nil {
			return nil, zerr.At(zerr.KindPolicy, RuleNonCanonical, raw, err.Error())
		}
		out = append(out, Namespace{Path: path, Mode: mode, Prefix: prefix})
	}
	return out, nil
}

func endpoints(n *manifest.Network, opts Options) ([]NetEndpoint, error) {
	requireTLS := n.RequireTLSEnabled()
	out := make([]NetEndpoint, 0, len(n.Connect))
	for _, ep := range n.Connect {
		host, port, err := manifest.SplitEndpoint(ep.Addr)
		if err != nil {
			return nil, zerr.At(zerr.KindPolicy, RuleNonCanonical, ep.Addr, err.Error())
		}
		ne := NetEndpoint{
			Host: host,
			Port: port,
			UDP:  ep.UDP,
			TLS: TLSRequirements{
				Required:       requireTLS && !ep.Plaintext,
				HostnameVerify: ep.HostnameVerifyEnabled(),
				SPKIPins:       append([]string(nil), ep.SPKIPins...),
			},
		}
		sort.Strings(ne.TLS.SPKIPins)

		if net.ParseIP(host) != nil {
			ne.IPs = []string{host}
		} else if opts.ResolveHosts {
			ips, err := resolve(host, opts)
			if err != nil {
				if opts.StrictResolve {
					return nil, zerr.At(zerr.KindPolicy, RuleUnresolved, ep.Addr,
						fmt.Sprintf("hostname did not resolve: %v", err))
				}
				ne.Unresolved = true
			} else {
				ne.IPs = ips
			}
		}
		out = append(out, ne)
	}
	return out, nil
}

func resolve(host string, opts Options) ([]string, error) {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Resolver != nil {
		ips, err := opts.Resolver(ctx, host)
		if err != nil {
			return nil, err
		}
		sort.Strings(ips)
		return ips, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	sort.Strings(addrs)
	return addrs, nil
}
