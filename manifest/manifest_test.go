package manifest

import (
	"errors"
	"strings"
	"testing"

	"zerok.dev/zerok/zerr"
)

const validManifest = `name = "myapp"
version = "0.1.0"
epoch = 3

[capabilities.memory]
max_bytes = 8388608
rss_max = 4194304

[capabilities.cpu]
schedule = "best_effort"
quota_ms_per_s = 250
jitter_ms = 5

[capabilities.files.read]
paths = ["/etc/config", "/usr/share/data"]

[capabilities.files.write]
paths = ["/var/cache/myapp"]

[capabilities.network]
require_tls = true

[[capabilities.network.connect]]
addr = "api.example.com:443"
spki_pins = ["Qq5Oz3LfBOwU2IuzL25RDJzD1bnG8Mm1ii+7Y55a5Hs="]

[capabilities.exec]
allow_spawn = false
allow_dlopen = false

[capabilities.ipc]
services = ["filesrv", "timesrv"]

[capabilities.time]
resolution_ms = 10

[capabilities.rng]
provider = "os_csprng"
`

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Name != "myapp" || m.Version != "0.1.0" {
		t.Fatalf("identity: %q %q", m.Name, m.Version)
	}
	if m.EpochValue() != 3 {
		t.Fatalf("epoch: got %d", m.EpochValue())
	}
	if m.Capabilities.Memory == nil || m.Capabilities.Memory.MaxBytes != 8388608 {
		t.Fatalf("memory not decoded")
	}
	if got := len(m.Capabilities.Network.Connect); got != 1 {
		t.Fatalf("endpoints: got %d", got)
	}
	ep := m.Capabilities.Network.Connect[0]
	if ep.Addr != "api.example.com:443" || !ep.HostnameVerifyEnabled() {
		t.Fatalf("endpoint: %+v", ep)
	}
}

func TestParseMinimal(t *testing.T) {
	m, err := Parse([]byte("name = \"a\"\nversion = \"1.0.0\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if m.Capabilities.Memory != nil || m.Capabilities.Files != nil {
		t.Fatalf("omitted groups must stay empty")
	}
}

func wantValidation(t *testing.T, input, pathPrefix string) {
	t.Helper()
	_, err := Parse([]byte(input))
	if err == nil {
		t.Fatalf("expected validation error at %s", pathPrefix)
	}
	if !zerr.IsKind(err, zerr.KindValidation) {
		t.Fatalf("expected Validation error, got %v", err)
	}
	var ze *zerr.Error
	if !errors.As(err, &ze) {
		t.Fatalf("not a structured error: %v", err)
	}
	if !strings.HasPrefix(ze.Path, pathPrefix) {
		t.Fatalf("path: got %q want prefix %q", ze.Path, pathPrefix)
	}
}

func TestParseUnknownField(t *testing.T) {
	wantValidation(t,
		"name = \"a\"\nversion = \"1.0.0\"\n[capabilities.memory]\nmax_bytes = 1\nextra = 2\n",
		"capabilities.memory.extra")
}

func TestParseUnknownTopLevelKey(t *testing.T) {
	wantValidation(t, "name = \"a\"\nversion = \"1.0.0\"\nbogus = 1\n", "bogus")
}

func TestParseRejectsBOM(t *testing.T) {
	_, err := Parse(append([]byte{0xEF, 0xBB, 0xBF}, []byte("name = \"a\"\nversion = \"1.0.0\"\n")...))
	if zerr.RuleID(err) != RuleBOM {
		t.Fatalf("got %v", err)
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   \n\t\n"} {
		_, err := Parse([]byte(in))
		if zerr.RuleID(err) != RuleEmpty {
			t.Fatalf("input %q: got %v", in, err)
		}
	}
}

func TestParseRejectsNUL(t *testing.T) {
	_, err := Parse([]byte("name = \"a\"\x00\nversion = \"1.0.0\"\n"))
	if zerr.RuleID(err) != RuleNUL {
		t.Fatalf("got %v", err)
	}
}

func TestValidateIdentity(t *testing.T) {
	wantValidation(t, "name = \"\"\nversion = \"1.0.0\"\n", "name")
	wantValidation(t, "name = \"a b\"\nversion = \"1.0.0\"\n", "name")
	wantValidation(t, "name = \"a\"\nversion = \"1.0\"\n", "version")
	wantValidation(t, "name = \"a\"\nversion = \"01.0.0\"\n", "version")
}

func TestValidatePaths(t *testing.T) {
	base := "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.files.read]\n"
	cases := []string{
		`paths = ["relative/path"]`,
		`paths = ["/a/../b"]`,
		`paths = ["/a/./b"]`,
		`paths = ["/a//b"]`,
		`paths = ["/a/"]`,
		`paths = ["/a/*"]`,
		`paths = ["/etc", "/etc"]`,
	}
	for _, c := range cases {
		wantValidation(t, base+c+"\n", "capabilities.files.read.paths")
	}
	// Root alone is canonical.
	if _, err := Parse([]byte(base + `paths = ["/"]` + "\n")); err != nil {
		t.Fatalf("root path rejected: %v", err)
	}
}

func TestValidateWildcards(t *testing.T) {
	base := "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.files.read]\n"
	wantValidation(t, base+`paths = ["/data/**"]`+"\n", "capabilities.files.read.paths")

	ok := base + "wildcards_allowed = true\npaths = [\"/data/**\"]\n"
	if _, err := Parse([]byte(ok)); err != nil {
		t.Fatalf("prefix wildcard with escape rejected: %v", err)
	}
	// Glob metacharacters stay rejected even with the escape.
	bad := base + "wildcards_allowed = true\npaths = [\"/data/*.txt\"]\n"
	wantValidation(t, bad, "capabilities.files.read.paths")
}

func TestValidateReadWriteDisjoint(t *testing.T) {
	in := `name = "a"
version = "1.0.0"
[capabilities.files.read]
paths = ["/var/data"]
[capabilities.files.write]
paths = ["/var/data"]
`
	wantValidation(t, in, "capabilities.files.read.paths")
}

func TestValidateMemory(t *testing.T) {
	in := `name = "a"
version = "1.0.0"
[capabilities.memory]
max_bytes = 100
rss_max = 200
`
	wantValidation(t, in, "capabilities.memory.rss_max")
}

func TestValidateCPU(t *testing.T) {
	base := "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.cpu]\n"
	wantValidation(t, base+"schedule = \"realtime\"\n", "capabilities.cpu.schedule")
	wantValidation(t, base+"schedule = \"fixed\"\nquota_ms_per_s = 1001\n", "capabilities.cpu.quota_ms_per_s")
}

func TestValidateEndpoints(t *testing.T) {
	base := "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.network]\n"
	cases := []struct {
		body string
		path string
	}{
		{"[[capabilities.network.connect]]\naddr = \"nohost\"\n", "capabilities.network.connect[0].addr"},
		{"[[capabilities.network.connect]]\naddr = \"h.example.com:0\"\n", "capabilities.network.connect[0].addr"},
		{"[[capabilities.network.connect]]\naddr = \"h.example.com:70000\"\n", "capabilities.network.connect[0].addr"},
		{"[[capabilities.network.connect]]\naddr = \"bad_host!:443\"\n", "capabilities.network.connect[0].addr"},
		{"[[capabilities.network.connect]]\naddr = \"h.example.com:443\"\nplaintext = true\n", "capabilities.network.connect[0].plaintext"},
		{"[[capabilities.network.connect]]\naddr = \"h.example.com:443\"\nhostname_verify = false\n", "capabilities.network.connect[0].hostname_verify"},
		{"[[capabilities.network.connect]]\naddr = \"h.example.com:443\"\nspki_pins = [\"!!\"]\n", "capabilities.network.connect[0].spki_pins[0]"},
		{"[[capabilities.network.connect]]\naddr = \"h.example.com:443\"\nspki_pins = [\"c2hvcnQ=\"]\n", "capabilities.network.connect[0].spki_pins[0]"},
		{"[[capabilities.network.connect]]\naddr = \"h.example.com:443\"\n[[capabilities.network.connect]]\naddr = \"h.example.com:443\"\n", "capabilities.network.connect[1]"},
	}
	for _, tc := range cases {
		wantValidation(t, base+tc.body, tc.path)
	}

	// Plaintext is allowed once the group opts out of TLS.
	ok := "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.network]\nrequire_tls = false\n" +
		"[[capabilities.network.connect]]\naddr = \"10.0.0.1:8125\"\nudp = true\nplaintext = true\n"
	if _, err := Parse([]byte(ok)); err != nil {
		t.Fatalf("plaintext with require_tls=false rejected: %v", err)
	}
}

func TestValidateTimeAndRNG(t *testing.T) {
	wantValidation(t, "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.time]\nresolution_ms = 0\n",
		"capabilities.time.resolution_ms")
	wantValidation(t, "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.rng]\nprovider = \"dice\"\n",
		"capabilities.rng.provider")
}

func TestValidateIPC(t *testing.T) {
	wantValidation(t, "name = \"a\"\nversion = \"1.0.0\"\n[capabilities.ipc]\nservices = [\"ok\", \"ok\"]\n",
		"capabilities.ipc.services[1]")
}
