package audit

import (
	"sort"
	"strings"

	"zerok.dev/zerok/manifest"
)

// Entry is one line of a diff report.
type Entry struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Site  string `json:"site,omitempty"`
}

// Report is the structured output of the diff engine.
//
// MissingInDeclared: observed but not granted — would deny at runtime.
// ExtraInDeclared: granted but not observed — least-privilege candidates.
type Report struct {
	MissingInDeclared []Entry `json:"missing_in_declared"`
	ExtraInDeclared   []Entry `json:"extra_in_declared"`
	Equivalent        []Entry `json:"equivalent"`
}

// Empty reports whether the diff found no discrepancy.
func (r *Report) Empty() bool {
	return len(r.MissingInDeclared) == 0 && len(r.ExtraInDeclared) == 0
}

// DiffProposed diffs an analyzer proposal against a declared manifest,
// attaching observation sites to missing entries.
func DiffProposed(p *Proposed, declared *manifest.Manifest) *Report {
	return Diff(&p.Manifest, declared, p.Sites)
}

// Diff compares a proposed manifest against a declared one. Paths compare by
// canonical string equality (a declared "/dir/**" prefix entry covers its
// subtree); endpoints compare by (host, port, udp) with TLS requirements
// compared field-wise. Memory, cpu, and rng are quantitative rather than
// observable and are not diffed.
func Diff(proposed, declared *manifest.Manifest, sites map[string]string) *Report {
	r := &Report{}
	site := func(key string) string {
		if sites == nil {
			return ""
		}
		return sites[key]
	}

	diffPaths(r, "files.read",
		fileSet(proposed.Capabilities.Files, false), fileSet(declared.Capabilities.Files, false),
		func(p string) string { return site(siteKeyRead(p)) })
	diffPaths(r, "files.write",
		fileSet(proposed.Capabilities.Files, true), fileSet(declared.Capabilities.Files, true),
		func(p string) string { return site(siteKeyWrite(p)) })

	diffEndpoints(r, proposed.Capabilities.Network, declared.Capabilities.Network, site)

	diffFlag(r, "exec.allow_spawn",
		proposed.Capabilities.Exec != nil && proposed.Capabilities.Exec.AllowSpawn,
		declared.Capabilities.Exec != nil && declared.Capabilities.Exec.AllowSpawn,
		site(siteKeySpawn))
	diffFlag(r, "exec.allow_dlopen",
		proposed.Capabilities.Exec != nil && proposed.Capabilities.Exec.AllowDlopen,
		declared.Capabilities.Exec != nil && declared.Capabilities.Exec.AllowDlopen,
		site(siteKeyDlopen))

	diffFlag(r, "time",
		proposed.Capabilities.Time != nil,
		declared.Capabilities.Time != nil,
		site(siteKeyTime))

	diffServices(r, proposed.Capabilities.IPC, declared.Capabilities.IPC)

	return r
}

func fileSet(f *manifest.Files, write bool) *manifest.FileSet {
	if f == nil {
		return nil
	}
	if write {
		return f.Write
	}
	return f.Read
}

func setPaths(fs *manifest.FileSet) []string {
	if fs == nil {
		return nil
	}
	return fs.Paths
}

// grantedBy reports whether path is covered by the set: exact match or a
// "/dir/**" prefix entry.
func grantedBy(path string, fs *manifest.FileSet) bool {
	if fs == nil {
		return false
	}
	for _, g := range fs.Paths {
		if g == path {
			return true
		}
		if strings.HasSuffix(g, manifest.WildcardSuffix) {
			stem := strings.TrimSuffix(g, manifest.WildcardSuffix)
			if stem == "" {
				return true
			}
			if path == stem || strings.HasPrefix(path, stem+"/") {
				return true
			}
		}
	}
	return false
}

func diffPaths(r *Report, kind string, proposed, declared *manifest.FileSet, siteFor func(string) string) {
	covered := map[string]bool{}
	for _, p := range setPaths(proposed) {
		if grantedBy(p, declared) {
			r.Equivalent = append(r.Equivalent, Entry{Kind: kind, Value: p})
			covered[p] = true
		} else {
			r.MissingInDeclared = append(r.MissingInDeclared, Entry{Kind: kind, Value: p, Site: siteFor(p)})
		}
	}
	for _, d := range setPaths(declared) {
		if observedUnder(d, proposed) {
			continue
		}
		r.ExtraInDeclared = append(r.ExtraInDeclared, Entry{Kind: kind, Value: d})
	}
}

// observedUnder reports whether any proposed path is covered by the declared
// entry d (exact, or within d's wildcard subtree).
func observedUnder(d string, proposed *manifest.FileSet) bool {
	for _, p := range setPaths(proposed) {
		if p == d {
			return true
		}
		if strings.HasSuffix(d, manifest.WildcardSuffix) {
			stem := strings.TrimSuffix(d, manifest.WildcardSuffix)
			if stem == "" || p == stem || strings.HasPrefix(p, stem+"/") {
				return true
			}
		}
	}
	return false
}

type endpointKey struct {
	host string
	port uint16
	udp  bool
}

func endpointKeys(n *manifest.Network) map[endpointKey]manifest.Endpoint {
	out := map[endpointKey]manifest.Endpoint{}
	if n == nil {
		return out
	}
	for _, ep := range n.Connect {
		host, port, err := manifest.SplitEndpoint(ep.Addr)
		if err != nil {
			continue
		}
		out[endpointKey{host, port, ep.UDP}] = ep
	}
	return out
}

func (k endpointKey) String() string {
	proto := "tcp"
	if k.udp {
		proto = "udp"
	}
	return joinHostPort(k.host, k.port) + "/" + proto
}

func diffEndpoints(r *Report, proposed, declared *manifest.Network, site func(string) string) {
	pk := endpointKeys(proposed)
	dk := endpointKeys(declared)

	keys := make([]endpointKey, 0, len(pk))
	for k := range pk {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, k := range keys {
		dep, ok := dk[k]
		if !ok {
			r.MissingInDeclared = append(r.MissingInDeclared, Entry{
				Kind: "network.connect", Value: k.String(),
				Site: site(siteKeyEndpoint(k.host, k.port, k.udp)),
			})
			continue
		}
		if mismatch := tlsMismatch(pk[k], dep); mismatch != "" {
			r.MissingInDeclared = append(r.MissingInDeclared, Entry{
				Kind: "network.connect", Value: k.String(), Site: mismatch,
			})
			continue
		}
		r.Equivalent = append(r.Equivalent, Entry{Kind: "network.connect", Value: k.String()})
	}

	dkeys := make([]endpointKey, 0, len(dk))
	for k := range dk {
		if _, ok := pk[k]; !ok {
			dkeys = append(dkeys, k)
		}
	}
	sort.Slice(dkeys, func(i, j int) bool { return dkeys[i].String() < dkeys[j].String() })
	for _, k := range dkeys {
		r.ExtraInDeclared = append(r.ExtraInDeclared, Entry{Kind: "network.connect", Value: k.String()})
	}
}

// tlsMismatch compares TLS requirements field-wise. A declared endpoint that
// only adds pins is stricter than an unpinned proposal and still matches.
func tlsMismatch(proposed, declared manifest.Endpoint) string {
	if proposed.Plaintext != declared.Plaintext {
		return "tls requirements differ: plaintext"
	}
	if proposed.HostnameVerifyEnabled() != declared.HostnameVerifyEnabled() {
		return "tls requirements differ: hostname_verify"
	}
	if len(proposed.SPKIPins) > 0 && !samePins(proposed.SPKIPins, declared.SPKIPins) {
		return "tls requirements differ: spki_pins"
	}
	return ""
}

func samePins(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func diffFlag(r *Report, kind string, proposed, declared bool, site string) {
	switch {
	case proposed && !declared:
		r.MissingInDeclared = append(r.MissingInDeclared, Entry{Kind: kind, Value: "true", Site: site})
	case !proposed && declared:
		r.ExtraInDeclared = append(r.ExtraInDeclared, Entry{Kind: kind, Value: "true"})
	case proposed && declared:
		r.Equivalent = append(r.Equivalent, Entry{Kind: kind, Value: "true"})
	}
}

func diffServices(r *Report, proposed, declared *manifest.IPC) {
	pset := map[string]bool{}
	if proposed != nil {
		for _, s := range proposed.Services {
			pset[s] = true
		}
	}
	dset := map[string]bool{}
	if declared != nil {
		for _, s := range declared.Services {
			dset[s] = true
		}
	}
	for _, s := range sortedKeys(pset) {
		if dset[s] {
			r.Equivalent = append(r.Equivalent, Entry{Kind: "ipc", Value: s})
		} else {
			r.MissingInDeclared = append(r.MissingInDeclared, Entry{Kind: "ipc", Value: s})
		}
	}
	for _, s := range sortedKeys(dset) {
		if !pset[s] {
			r.ExtraInDeclared = append(r.ExtraInDeclared, Entry{Kind: "ipc", Value: s})
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
