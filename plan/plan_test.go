package plan

import (
	"context"
	"errors"
	"testing"

	"zerok.dev/zerok/manifest"
	"zerok.dev/zerok/zerr"
)

func parsed(t *testing.T, text string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(text))
	if err != nil {
		t.Fatalf("manifest invalid: %v", err)
	}
	return m
}

func TestCompileFullManifest(t *testing.T) {
	m := parsed(t, `name = "myapp"
version = "0.1.0"
epoch = 2

[capabilities.memory]
max_bytes = 8388608
rss_max = 4194304

[capabilities.cpu]
schedule = "fixed"
quota_ms_per_s = 500
core = 1

[capabilities.files.read]
paths = ["/etc/config"]

[capabilities.files.write]
paths = ["/var/cache/myapp"]

[[capabilities.network.connect]]
addr = "10.0.0.1:443"

[capabilities.exec]
allow_spawn = true

[capabilities.ipc]
services = ["timesrv", "filesrv"]

[capabilities.time]
resolution_ms = 10

[capabilities.rng]
provider = "os_csprng"
`)
	p, err := Compile(m, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if p.Name != "myapp" || p.Epoch != 2 {
		t.Fatalf("identity: %+v", p)
	}
	if p.Memory == nil || p.Memory.MaxBytes != 8388608 || p.Memory.RSSMax != 4194304 {
		t.Fatalf("memory: %+v", p.Memory)
	}
	if p.CPU == nil || p.CPU.Schedule != "fixed" || p.CPU.Core != 1 {
		t.Fatalf("cpu: %+v", p.CPU)
	}
	if len(p.Namespaces) != 2 {
		t.Fatalf("namespaces: %+v", p.Namespaces)
	}
	if p.Namespaces[0].Path != "/etc/config" || p.Namespaces[0].Mode != AccessRead {
		t.Fatalf("namespace 0: %+v", p.Namespaces[0])
	}
	if len(p.Endpoints) != 1 {
		t.Fatalf("endpoints: %+v", p.Endpoints)
	}
	ep := p.Endpoints[0]
	if ep.Host != "10.0.0.1" || ep.Port != 443 || !ep.TLS.Required || !ep.TLS.HostnameVerify {
		t.Fatalf("endpoint: %+v", ep)
	}
	// IP literals are their own resolution.
	if len(ep.IPs) != 1 || ep.IPs[0] != "10.0.0.1" {
		t.Fatalf("ips: %+v", ep.IPs)
	}
	if p.IPC[0] != "filesrv" || p.IPC[1] != "timesrv" {
		t.Fatalf("ipc not sorted: %+v", p.IPC)
	}
	if !p.Exec.Spawn || p.Exec.Dlopen {
		t.Fatalf("exec: %+v", p.Exec)
	}
	if p.RNG != "os_csprng" {
		t.Fatalf("rng: %s", p.RNG)
	}
}

func TestCompileUnpinnedCore(t *testing.T) {
	m := parsed(t, "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.cpu]\nschedule = \"best_effort\"\n")
	p, err := Compile(m, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if p.CPU.Core != -1 {
		t.Fatalf("core: %d", p.CPU.Core)
	}
}

func TestCompileRefusesNonCanonicalPath(t *testing.T) {
	// Construct a manifest value that bypassed validation.
	m := &manifest.Manifest{
		Name:    "a",
		Version: "1.0.0",
		Capabilities: manifest.Capabilities{
			Files: &manifest.Files{
				Read: &manifest.FileSet{Paths: []string{"/a/../b"}},
			},
		},
	}
	_, err := Compile(m, Options{})
	if zerr.RuleID(err) != RuleNonCanonical {
		t.Fatalf("got %v", err)
	}
}

func TestCompileWildcardNamespace(t *testing.T) {
	m := parsed(t, `name = "a"
version = "1.0.0"
[capabilities.files.read]
wildcards_allowed = true
paths = ["/usr/share/app/**"]
`)
	p, err := Compile(m, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	ns := p.Namespaces[0]
	if ns.Path != "/usr/share/app" || !ns.Prefix {
		t.Fatalf("namespace: %+v", ns)
	}
}

func TestCompileResolution(t *testing.T) {
	m := parsed(t, `name = "a"
version = "1.0.0"
[[capabilities.network.connect]]
addr = "api.example.com:443"
`)
	fake := func(ctx context.Context, host string) ([]string, error) {
		if host == "api.example.com" {
			return []string{"93.184.216.34"}, nil
		}
		return nil, errors.New("no such host")
	}

	p, err := Compile(m, Options{ResolveHosts: true, Resolver: fake})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if len(p.Endpoints[0].IPs) != 1 || p.Endpoints[0].IPs[0] != "93.184.216.34" {
		t.Fatalf("ips: %+v", p.Endpoints[0])
	}

	// Without resolution the hostname is carried as-is.
	p, err = Compile(m, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if p.Endpoints[0].Unresolved || len(p.Endpoints[0].IPs) != 0 {
		t.Fatalf("unresolved without ResolveHosts: %+v", p.Endpoints[0])
	}
}

func TestCompileResolutionFailure(t *testing.T) {
	m := parsed(t, `name = "a"
version = "1.0.0"
[[capabilities.network.connect]]
addr = "nxdomain.example.invalid:443"
`)
	failing := func(ctx context.Context, host string) ([]string, error) {
		return nil, errors.New("no such host")
	}

	// Lazy mode carries the unresolved endpoint.
	p, err := Compile(m, Options{ResolveHosts: true, Resolver: failing})
	if err != nil {
		t.Fatalf("lazy mode failed: %v", err)
	}
	if !p.Endpoints[0].Unresolved {
		t.Fatalf("endpoint not flagged unresolved: %+v", p.Endpoints[0])
	}

	// Strict mode refuses.
	_, err = Compile(m, Options{ResolveHosts: true, StrictResolve: true, Resolver: failing})
	if zerr.RuleID(err) != RuleUnresolved {
		t.Fatalf("strict mode: got %v", err)
	}
}

func TestCompilePlaintextEndpoint(t *testing.T) {
	m := parsed(t, `name = "a"
version = "1.0.0"
[capabilities.network]
require_tls = false
[[capabilities.network.connect]]
addr = "10.0.0.1:8125"
udp = true
plaintext = true
`)
	p, err := Compile(m, Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	ep := p.Endpoints[0]
	if ep.TLS.Required || !ep.UDP {
		t.Fatalf("endpoint: %+v", ep)
	}
}
