package audit

import (
	"fmt"
	"io"
	"strings"
)

// RenderManifest writes the proposed manifest in the manifest text format.
// Inference annotations become "# inferred:" comments above the field they
// concern; the output is deterministic for a given proposal.
func RenderManifest(p *Proposed) []byte {
	var b strings.Builder
	notes := notesByPath(p)

	emitNotes := func(path string) {
		for _, n := range notes[path] {
			fmt.Fprintf(&b, "# inferred: %s\n", n)
		}
	}

	fmt.Fprintf(&b, "name = %q\n", p.Manifest.Name)
	fmt.Fprintf(&b, "version = %q\n", p.Manifest.Version)

	c := &p.Manifest.Capabilities
	if c.Memory != nil {
		b.WriteString("\n[capabilities.memory]\n")
		emitNotes("capabilities.memory.max_bytes")
		fmt.Fprintf(&b, "max_bytes = %d\n", c.Memory.MaxBytes)
	}
	if c.Files != nil && c.Files.Read != nil {
		b.WriteString("\n[capabilities.files.read]\n")
		emitNotes("capabilities.files.read.paths")
		writePathList(&b, c.Files.Read.Paths)
	}
	if c.Files != nil && c.Files.Write != nil {
		b.WriteString("\n[capabilities.files.write]\n")
		emitNotes("capabilities.files.write.paths")
		writePathList(&b, c.Files.Write.Paths)
	}
	if c.Network != nil {
		b.WriteString("\n[capabilities.network]\n")
		emitNotes("capabilities.network.connect")
		for _, ep := range c.Network.Connect {
			b.WriteString("\n[[capabilities.network.connect]]\n")
			fmt.Fprintf(&b, "addr = %q\n", ep.Addr)
			if ep.UDP {
				b.WriteString("udp = true\n")
			}
		}
	}
	if c.Exec != nil && (c.Exec.AllowSpawn || c.Exec.AllowDlopen) {
		b.WriteString("\n[capabilities.exec]\n")
		if c.Exec.AllowSpawn {
			emitNotes("capabilities.exec.allow_spawn")
			b.WriteString("allow_spawn = true\n")
		}
		if c.Exec.AllowDlopen {
			emitNotes("capabilities.exec.allow_dlopen")
			b.WriteString("allow_dlopen = true\n")
		}
	}
	if c.Time != nil {
		b.WriteString("\n[capabilities.time]\n")
		emitNotes("capabilities.time.resolution_ms")
		fmt.Fprintf(&b, "resolution_ms = %d\n", c.Time.ResolutionMS)
		if c.Time.RDTSC {
			b.WriteString("rdtsc = true\n")
		}
	}
	return []byte(b.String())
}

func notesByPath(p *Proposed) map[string][]string {
	out := map[string][]string{}
	for _, n := range p.Notes {
		out[n.Path] = append(out[n.Path], n.Text)
	}
	return out
}

func writePathList(b *strings.Builder, paths []string) {
	b.WriteString("paths = [")
	for i, p := range paths {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(b, "%q", p)
	}
	b.WriteString("]\n")
}

// RenderTable writes the report as a human-readable table.
func (r *Report) RenderTable(w io.Writer) {
	section := func(title string, entries []Entry) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(w, "%s:\n", title)
		for _, e := range entries {
			if e.Site != "" {
				fmt.Fprintf(w, "  %-20s %s  (%s)\n", e.Kind, e.Value, e.Site)
			} else {
				fmt.Fprintf(w, "  %-20s %s\n", e.Kind, e.Value)
			}
		}
	}
	section("missing in declared (deny at runtime)", r.MissingInDeclared)
	section("extra in declared (least-privilege candidates)", r.ExtraInDeclared)
	section("equivalent", r.Equivalent)
	if r.Empty() && len(r.Equivalent) == 0 {
		fmt.Fprintln(w, "no capabilities observed or declared")
	}
}
