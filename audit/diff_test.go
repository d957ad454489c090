package audit

import (
	"encoding/json"
	"strings"
	"testing"

	"zerok.dev/zerok/manifest"
)

func declaredManifest(t *testing.T, text string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(text))
	if err != nil {
		t.Fatalf("declared manifest invalid: %v", err)
	}
	return m
}

func TestDiffSelfIsEmpty(t *testing.T) {
	m := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.files.read]
paths = ["/etc/config"]
[capabilities.files.write]
paths = ["/var/cache/a"]
[[capabilities.network.connect]]
addr = "api.example.com:443"
[capabilities.exec]
allow_spawn = true
[capabilities.ipc]
services = ["filesrv"]
[capabilities.time]
resolution_ms = 10
`)
	r := Diff(m, m, nil)
	if !r.Empty() {
		t.Fatalf("diff(P, P) not empty: %+v", r)
	}
	if len(r.Equivalent) == 0 {
		t.Fatalf("diff(P, P) reported nothing equivalent")
	}
}

func TestDiffMissingObservedPath(t *testing.T) {
	declared := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.files.read]
paths = ["/etc/config"]
`)
	trace := "openat(AT_FDCWD, \"/etc/config\", O_RDONLY) = 3\nopenat(AT_FDCWD, \"/etc/shadow\", O_RDONLY) = 4\n"
	p, err := AnalyzeTrace(strings.NewReader(trace), TraceOptions{})
	if err != nil {
		t.Fatalf("AnalyzeTrace failed: %v", err)
	}

	r := DiffProposed(p, declared)
	if len(r.MissingInDeclared) != 1 {
		t.Fatalf("missing: %+v", r.MissingInDeclared)
	}
	e := r.MissingInDeclared[0]
	if e.Kind != "files.read" || e.Value != "/etc/shadow" {
		t.Fatalf("entry: %+v", e)
	}
	if !strings.Contains(e.Site, "openat") || !strings.Contains(e.Site, "line 2") {
		t.Fatalf("site: %q", e.Site)
	}
	if len(r.Equivalent) != 1 || r.Equivalent[0].Value != "/etc/config" {
		t.Fatalf("equivalent: %+v", r.Equivalent)
	}
}

func TestDiffExtraDeclaredGrant(t *testing.T) {
	declared := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.files.read]
paths = ["/etc/config", "/etc/unused"]
[capabilities.ipc]
services = ["timesrv"]
`)
	proposed := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.files.read]
paths = ["/etc/config"]
`)
	r := Diff(proposed, declared, nil)
	if len(r.ExtraInDeclared) != 2 {
		t.Fatalf("extra: %+v", r.ExtraInDeclared)
	}
}

func TestDiffWildcardCoversObserved(t *testing.T) {
	declared := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.files.read]
wildcards_allowed = true
paths = ["/usr/share/app/**"]
`)
	proposed := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.files.read]
paths = ["/usr/share/app/data.bin"]
`)
	r := Diff(proposed, declared, nil)
	if len(r.MissingInDeclared) != 0 {
		t.Fatalf("missing: %+v", r.MissingInDeclared)
	}
	if len(r.ExtraInDeclared) != 0 {
		t.Fatalf("wildcard with observed member reported extra: %+v", r.ExtraInDeclared)
	}
}

func TestDiffEndpointsByHostPortProto(t *testing.T) {
	declared := declaredManifest(t, `name = "a"
version = "1.0.0"
[[capabilities.network.connect]]
addr = "api.example.com:443"
`)
	proposed := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.network]
require_tls = false
[[capabilities.network.connect]]
addr = "api.example.com:443"
udp = true
`)
	r := Diff(proposed, declared, nil)
	if len(r.MissingInDeclared) != 1 || len(r.ExtraInDeclared) != 1 {
		t.Fatalf("udp must not match tcp: %+v", r)
	}
}

func TestDiffTLSMismatch(t *testing.T) {
	declared := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.network]
require_tls = false
[[capabilities.network.connect]]
addr = "api.example.com:443"
plaintext = true
`)
	proposed := declaredManifest(t, `name = "a"
version = "1.0.0"
[[capabilities.network.connect]]
addr = "api.example.com:443"
`)
	r := Diff(proposed, declared, nil)
	if len(r.MissingInDeclared) != 1 {
		t.Fatalf("tls mismatch not reported: %+v", r)
	}
	if !strings.Contains(r.MissingInDeclared[0].Site, "plaintext") {
		t.Fatalf("site: %q", r.MissingInDeclared[0].Site)
	}
}

func TestDiffExecFlags(t *testing.T) {
	declared := declaredManifest(t, "name = \"a\"\nversion = \"1.0.0\"\n")
	proposed := declaredManifest(t, `name = "a"
version = "1.0.0"
[capabilities.exec]
allow_spawn = true
`)
	r := Diff(proposed, declared, nil)
	if len(r.MissingInDeclared) != 1 || r.MissingInDeclared[0].Kind != "exec.allow_spawn" {
		t.Fatalf("missing: %+v", r.MissingInDeclared)
	}

	r = Diff(declared, proposed, nil)
	if len(r.ExtraInDeclared) != 1 || r.ExtraInDeclared[0].Kind != "exec.allow_spawn" {
		t.Fatalf("extra: %+v", r.ExtraInDeclared)
	}
}

func TestReportJSONShape(t *testing.T) {
	r := &Report{
		MissingInDeclared: []Entry{{Kind: "files.read", Value: "/etc/shadow", Site: "line 2: openat"}},
		ExtraInDeclared:   []Entry{},
		Equivalent:        []Entry{},
	}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{"missing_in_declared", "extra_in_declared", "equivalent", "/etc/shadow"} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("JSON missing %q: %s", want, b)
		}
	}
}

func TestRenderManifestAnnotations(t *testing.T) {
	trace := "openat(AT_FDCWD, \"/etc/config\", O_RDONLY) = 3\nclock_gettime(CLOCK_MONOTONIC, x) = 0\n"
	p, err := AnalyzeTrace(strings.NewReader(trace), TraceOptions{Name: "myapp"})
	if err != nil {
		t.Fatalf("AnalyzeTrace failed: %v", err)
	}
	out := string(RenderManifest(p))

	if !strings.Contains(out, "name = \"myapp\"") {
		t.Fatalf("missing name: %s", out)
	}
	if !strings.Contains(out, "paths = [\"/etc/config\"]") {
		t.Fatalf("missing paths: %s", out)
	}
	if !strings.Contains(out, "# inferred:") {
		t.Fatalf("missing inference annotation: %s", out)
	}

	// The rendered proposal must itself parse.
	if _, err := manifest.Parse([]byte(out)); err != nil {
		t.Fatalf("rendered manifest does not parse: %v", err)
	}
}
