package audit

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"zerok.dev/zerok/manifest"
	"zerok.dev/zerok/zerr"
)

// ELFOptions parameterizes the static ELF analyzer.
type ELFOptions struct {
	// Name seeds the proposed manifest's name field.
	Name string

	// TargetMachine rejects binaries for a different architecture when set
	// (e.g. "EM_X86_64", "EM_AARCH64").
	TargetMachine string
}

// ELFReport is the static analysis result for one executable.
type ELFReport struct {
	Machine string `json:"machine"`
	Class   string `json:"class"`

	PIE       bool `json:"pie"`
	NX        bool `json:"nx"`
	RELRO     bool `json:"relro"`
	BindNow   bool `json:"bind_now"`
	FullRELRO bool `json:"full_relro"`

	Interp  string   `json:"interp,omitempty"`
	Needed  []string `json:"needed,omitempty"`
	RunPath []string `json:"runpath,omitempty"`

	Imports        []string `json:"imports,omitempty"`
	CandidatePaths []string `json:"candidate_paths,omitempty"`

	Proposed *Proposed `json:"proposed"`
}

var candidatePathRe = regexp.MustCompile(`^/(?:etc|var|usr|home)/[^\s"']+$`)

// AnalyzeELF reads the ELF header, program headers, and dynamic section of
// buf and derives a proposed manifest. Unknown or malformed input fails
// closed; the analyzer never guesses.
func AnalyzeELF(buf []byte, opts ELFOptions) (*ELFReport, error) {
	f, err := elf.NewFile(bytes.NewReader(buf))
	if err != nil {
		return nil, zerr.Wrap(zerr.KindAnalysis, RuleBadELF, "not a valid ELF", err)
	}
	defer f.Close()

	r := &ELFReport{
		Machine: f.Machine.String(),
		Class:   f.Class.String(),
		PIE:     f.Type == elf.ET_DYN,
		NX:      true,
	}
	if opts.TargetMachine != "" && opts.TargetMachine != r.Machine {
		return nil, zerr.New(zerr.KindAnalysis, RuleTargetMismatch,
			fmt.Sprintf("binary machine %s does not match target %s", r.Machine, opts.TargetMachine))
	}

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_GNU_STACK:
			r.NX = p.Flags&elf.PF_X == 0
		case elf.PT_GNU_RELRO:
			r.RELRO = true
		case elf.PT_INTERP:
			interp := make([]byte, p.Filesz)
			if _, err := io.ReadFull(p.Open(), interp); err == nil {
				r.Interp = string(bytes.TrimRight(interp, "\x00"))
			}
		}
	}

	if vals, err := f.DynValue(elf.DT_BIND_NOW); err == nil && len(vals) > 0 {
		r.BindNow = true
	}
	if vals, err := f.DynValue(elf.DT_FLAGS); err == nil {
		for _, v := range vals {
			if elf.DynFlag(v)&elf.DF_BIND_NOW != 0 {
				r.BindNow = true
			}
		}
	}
	if vals, err := f.DynValue(elf.DT_FLAGS_1); err == nil {
		for _, v := range vals {
			if elf.DynFlag1(v)&elf.DF_1_NOW != 0 {
				r.BindNow = true
			}
		}
	}
	r.FullRELRO = r.RELRO && r.BindNow

	if needed, err := f.DynString(elf.DT_NEEDED); err == nil {
		r.Needed = dedupeSorted(needed)
	}
	var runpath []string
	if rp, err := f.DynString(elf.DT_RPATH); err == nil {
		runpath = append(runpath, rp...)
	}
	if rp, err := f.DynString(elf.DT_RUNPATH); err == nil {
		runpath = append(runpath, rp...)
	}
	r.RunPath = dedupeSorted(runpath)

	if syms, err := f.ImportedSymbols(); err == nil {
		var names []string
		for _, s := range syms {
			if interestingSymbol(s.Name) {
				names = append(names, s.Name)
			}
		}
		r.Imports = dedupeSorted(names)
	}

	r.CandidatePaths = harvestPaths(f, buf)
	r.Proposed = proposeFromELF(r, opts)
	return r, nil
}

// proposeFromELF applies the capability heuristics. Every inference is
// annotated; nothing here grants anything by itself.
func proposeFromELF(r *ELFReport, opts ELFOptions) *Proposed {
	name := opts.Name
	if name == "" {
		name = "app"
	}
	p := newProposed(name)

	// A reasonable ceiling the author is expected to adjust.
	p.Manifest.Capabilities.Memory = &manifest.Memory{MaxBytes: 128 << 20}
	p.note("capabilities.memory.max_bytes", "inferred default; adjust to the real working set", 0)

	if r.Interp != "" || len(r.Needed) > 0 {
		p.exec().AllowDlopen = true
		p.site(siteKeyDlopen, "dynamic linking: "+firstNonEmpty(r.Interp, strings.Join(r.Needed, ",")))
		p.note("capabilities.exec.allow_dlopen", "inferred from dynamic interpreter / DT_NEEDED", 0)
	}

	hasNet := false
	hasExec := false
	hasFile := false
	for _, sym := range r.Imports {
		if networkSymbol(sym) {
			hasNet = true
		}
		if execSymbol(sym) {
			hasExec = true
		}
		if fileSymbol(sym) {
			hasFile = true
		}
	}
	if hasNet {
		p.network().Connect = []manifest.Endpoint{}
		p.note("capabilities.network.connect", "network symbols imported; endpoints must be declared by the author", 0)
	}
	if hasExec {
		p.exec().AllowSpawn = true
		p.site(siteKeySpawn, "imported exec/spawn symbols")
		p.note("capabilities.exec.allow_spawn", "inferred from exec/spawn imports", 0)
	}
	if hasFile {
		_ = p.filesRead()
		p.note("capabilities.files.read.paths", "file-opening symbols imported without literal paths; declare the real set", 0)
		for _, cp := range r.CandidatePaths {
			p.note("capabilities.files.read.paths", "candidate from strings: "+cp, 0)
		}
	}
	return p
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// harvestPaths collects candidate absolute paths from allocated,
// non-executable PROGBITS sections; it falls back to the whole file when no
// such section could be read.
func harvestPaths(f *elf.File, buf []byte) []string {
	var out []string
	any := false
	for _, s := range f.Sections {
		if s.Type != elf.SHT_PROGBITS || s.Flags&elf.SHF_ALLOC == 0 || s.Flags&elf.SHF_EXECINSTR != 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			continue
		}
		any = true
		out = append(out, pathsFromStrings(extractASCIIStrings(data, 4))...)
	}
	if !any {
		out = pathsFromStrings(extractASCIIStrings(buf, 4))
	}
	return dedupeSorted(out)
}

func pathsFromStrings(ss []string) []string {
	var out []string
	for _, s := range ss {
		if candidatePathRe.MatchString(s) {
			out = append(out, s)
		}
	}
	return out
}

func extractASCIIStrings(buf []byte, min int) []string {
	var out []string
	var cur []byte
	flush := func() {
		if len(cur) >= min {
			out = append(out, string(cur))
		}
		cur = cur[:0]
	}
	for _, b := range buf {
		if (b >= 0x20 && b <= 0x7E) || b == '\t' {
			cur = append(cur, b)
		} else {
			flush()
		}
	}
	flush()
	return out
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
