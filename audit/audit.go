// Package audit derives proposed capability manifests from executables and
// syscall traces, and diffs proposals against declared manifests.
//
// The auditor is advisory: it proposes, it never authorizes. A passing diff
// is a lint, not a proof.
package audit

import (
	"sort"
	"strconv"
	"strings"

	"zerok.dev/zerok/manifest"
)

// Stable rule IDs for analysis failures.
const (
	RuleBadELF          = "ZK-AUDIT-001"
	RuleTargetMismatch  = "ZK-AUDIT-002"
	RuleBadTraceLine    = "ZK-AUDIT-011"
	RuleUnresolvedPath  = "ZK-AUDIT-012"
)

// Proposed is an inferred manifest plus the evidence behind it.
type Proposed struct {
	Manifest manifest.Manifest `json:"manifest"`

	// Sites maps capability keys (see siteKey*) to the first observation
	// that produced them, e.g. "files.read:/etc/shadow" -> "line 12: openat".
	Sites map[string]string `json:"sites,omitempty"`

	// Notes carries warnings and inference annotations.
	Notes []Note `json:"notes,omitempty"`

	// UnparsedLines counts trace lines skipped in tolerant mode.
	UnparsedLines int `json:"unparsed_lines,omitempty"`
}

// Note is a human-directed annotation attached to a proposal.
type Note struct {
	Path string `json:"path,omitempty"`
	Text string `json:"text"`
	Line int    `json:"line,omitempty"`
}

func newProposed(name string) *Proposed {
	return &Proposed{
		Manifest: manifest.Manifest{Name: name, Version: "0.0.0"},
		Sites:    map[string]string{},
	}
}

func (p *Proposed) note(path, text string, line int) {
	p.Notes = append(p.Notes, Note{Path: path, Text: text, Line: line})
}

func (p *Proposed) site(key, where string) {
	if _, ok := p.Sites[key]; !ok {
		p.Sites[key] = where
	}
}

// Capability site keys.
func siteKeyRead(path string) string  { return "files.read:" + path }
func siteKeyWrite(path string) string { return "files.write:" + path }
func siteKeyEndpoint(host string, port uint16, udp bool) string {
	proto := "tcp"
	if udp {
		proto = "udp"
	}
	return "net:" + host + ":" + strconv.Itoa(int(port)) + "/" + proto
}

const (
	siteKeySpawn  = "exec.spawn"
	siteKeyDlopen = "exec.dlopen"
	siteKeyTime   = "time"
)

// addRead records an observed read path, keeping the set sorted and unique.
func (p *Proposed) addRead(path string) {
	f := p.filesRead()
	f.Paths = insertSorted(f.Paths, path)
}

func (p *Proposed) addWrite(path string) {
	f := p.filesWrite()
	f.Paths = insertSorted(f.Paths, path)
}

func (p *Proposed) filesRead() *manifest.FileSet {
	if p.Manifest.Capabilities.Files == nil {
		p.Manifest.Capabilities.Files = &manifest.Files{}
	}
	if p.Manifest.Capabilities.Files.Read == nil {
		p.Manifest.Capabilities.Files.Read = &manifest.FileSet{Paths: []string{}}
	}
	return p.Manifest.Capabilities.Files.Read
}

func (p *Proposed) filesWrite() *manifest.FileSet {
	if p.Manifest.Capabilities.Files == nil {
		p.Manifest.Capabilities.Files = &manifest.Files{}
	}
	if p.Manifest.Capabilities.Files.Write == nil {
		p.Manifest.Capabilities.Files.Write = &manifest.FileSet{Paths: []string{}}
	}
	return p.Manifest.Capabilities.Files.Write
}

func (p *Proposed) network() *manifest.Network {
	if p.Manifest.Capabilities.Network == nil {
		p.Manifest.Capabilities.Network = &manifest.Network{}
	}
	return p.Manifest.Capabilities.Network
}

func (p *Proposed) exec() *manifest.Exec {
	if p.Manifest.Capabilities.Exec == nil {
		p.Manifest.Capabilities.Exec = &manifest.Exec{}
	}
	return p.Manifest.Capabilities.Exec
}

func (p *Proposed) addEndpoint(host string, port uint16, udp bool) {
	n := p.network()
	addr := joinHostPort(host, port)
	for _, ep := range n.Connect {
		if ep.Addr == addr && ep.UDP == udp {
			return
		}
	}
	n.Connect = append(n.Connect, manifest.Endpoint{Addr: addr, UDP: udp})
	sort.Slice(n.Connect, func(i, j int) bool {
		if n.Connect[i].Addr != n.Connect[j].Addr {
			return n.Connect[i].Addr < n.Connect[j].Addr
		}
		return !n.Connect[i].UDP && n.Connect[j].UDP
	})
}

func joinHostPort(host string, port uint16) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]:" + strconv.Itoa(int(port))
	}
	return host + ":" + strconv.Itoa(int(port))
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	if i < len(list) && list[i] == s {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}
