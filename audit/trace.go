package audit

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"zerok.dev/zerok/manifest"
	"zerok.dev/zerok/zerr"
)

// TraceOptions parameterizes the syscall-trace analyzer.
type TraceOptions struct {
	// Name seeds the proposed manifest's name field.
	Name string

	// Strict aborts on the first unparseable line instead of counting it.
	Strict bool

	// Root resolves relative paths observed in the trace. Without a root,
	// relative paths are unresolvable and are treated like unparseable lines.
	Root string
}

// Trace line grammar: `name(args) = result`, where name is a lowercase C identifier,
// args is the raw argument text, and result is the raw return text. Lines
// starting with '#' and blank lines are ignored.
var (
	traceLineRe = regexp.MustCompile(`^([a-z_][a-z0-9_]*)\((.*)\)\s*=\s*(\S.*)$`)
	quotedRe    = regexp.MustCompile(`"([^"]*)"`)
	sinPortRe   = regexp.MustCompile(`sin6?_port=htons\((\d{1,5})\)`)
	sinAddrRe   = regexp.MustCompile(`(?:sin_addr=inet_addr|inet_pton\([^,]+,)\s*\(?"([^"]+)"`)
	hostPortRe  = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9.-]*|\[[0-9A-Fa-f:.]+\]):(\d{1,5})$`)
)

// AnalyzeTrace streams a line-oriented syscall log and classifies each event
// into a capability bucket. Memory use is bounded by the accumulating
// proposal, not by input length.
func AnalyzeTrace(r io.Reader, opts TraceOptions) (*Proposed, error) {
	name := opts.Name
	if name == "" {
		name = "app"
	}
	p := newProposed(name)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := classifyLine(p, line, lineNo, opts); err != nil {
			if opts.Strict {
				return nil, err
			}
			p.UnparsedLines++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, zerr.Wrap(zerr.KindIO, "ZK-IO-031", "read trace", err)
	}
	if p.UnparsedLines > 0 {
		p.note("", fmt.Sprintf("%d unparseable lines skipped", p.UnparsedLines), 0)
	}
	return p, nil
}

func classifyLine(p *Proposed, line string, lineNo int, opts TraceOptions) error {
	m := traceLineRe.FindStringSubmatch(line)
	if m == nil {
		return zerr.At(zerr.KindAnalysis, RuleBadTraceLine,
			fmt.Sprintf("line %d", lineNo), "does not match name(args) = result")
	}
	name, args := m[1], m[2]
	site := fmt.Sprintf("line %d: %s", lineNo, name)

	switch name {
	case "open", "openat", "creat":
		return classifyOpen(p, name, args, site, lineNo, opts)
	case "connect":
		return classifyConnect(p, args, site, lineNo)
	case "execve", "posix_spawn", "fork", "vfork":
		p.exec().AllowSpawn = true
		p.site(siteKeySpawn, site)
	case "clone", "clone3":
		if strings.Contains(args, "CLONE_") {
			p.exec().AllowSpawn = true
			p.site(siteKeySpawn, site)
		}
	case "clock_gettime", "gettimeofday", "clock_getres":
		if p.Manifest.Capabilities.Time == nil {
			p.Manifest.Capabilities.Time = &manifest.Time{ResolutionMS: 1}
			p.note("capabilities.time.resolution_ms", "observed clock access; resolution is a guess", lineNo)
		}
		p.site(siteKeyTime, site)
	case "rdtsc":
		if p.Manifest.Capabilities.Time == nil {
			p.Manifest.Capabilities.Time = &manifest.Time{ResolutionMS: 1}
		}
		p.Manifest.Capabilities.Time.RDTSC = true
		p.site(siteKeyTime, site)
	}
	// Unrecognized but well-formed syscalls carry no capability signal.
	return nil
}

func classifyOpen(p *Proposed, name, args, site string, lineNo int, opts TraceOptions) error {
	q := quotedRe.FindStringSubmatch(args)
	if q == nil {
		return zerr.At(zerr.KindAnalysis, RuleBadTraceLine,
			fmt.Sprintf("line %d", lineNo), name+" without a path argument")
	}
	resolved, err := resolveTracePath(q[1], lineNo, opts)
	if err != nil {
		return err
	}
	write := name == "creat" ||
		strings.Contains(args, "O_WRONLY") ||
		strings.Contains(args, "O_RDWR") ||
		strings.Contains(args, "O_CREAT")
	if write {
		p.addWrite(resolved)
		p.site(siteKeyWrite(resolved), site)
	} else {
		p.addRead(resolved)
		p.site(siteKeyRead(resolved), site)
	}
	return nil
}

// resolveTracePath canonicalizes an observed path. Relative paths resolve
// against the declared root and must stay inside it.
func resolveTracePath(raw string, lineNo int, opts TraceOptions) (string, error) {
	addr := fmt.Sprintf("line %d", lineNo)
	if strings.IndexByte(raw, 0x00) >= 0 {
		return "", zerr.At(zerr.KindAnalysis, RuleUnresolvedPath, addr, "path contains NUL")
	}
	p := raw
	if !strings.HasPrefix(p, "/") {
		if opts.Root == "" {
			return "", zerr.At(zerr.KindAnalysis, RuleUnresolvedPath, addr,
				"relative path without a declared root")
		}
		p = opts.Root + "/" + p
	}
	p = path.Clean(p)
	if opts.Root != "" && !strings.HasPrefix(raw, "/") {
		root := path.Clean(opts.Root)
		if p != root && !strings.HasPrefix(p, root+"/") {
			return "", zerr.At(zerr.KindAnalysis, RuleUnresolvedPath, addr,
				"path escapes the declared root")
		}
	}
	if err := manifest.CheckPath(p); err != nil {
		return "", zerr.At(zerr.KindAnalysis, RuleUnresolvedPath, addr, err.Error())
	}
	return p, nil
}

func classifyConnect(p *Proposed, args, site string, lineNo int) error {
	udp := strings.Contains(args, "SOCK_DGRAM") || strings.Contains(args, "IPPROTO_UDP")

	// Structured sockaddr form: sin_port + sin_addr.
	if pm := sinPortRe.FindStringSubmatch(args); pm != nil {
		am := sinAddrRe.FindStringSubmatch(args)
		if am == nil {
			return zerr.At(zerr.KindAnalysis, RuleBadTraceLine,
				fmt.Sprintf("line %d", lineNo), "connect with port but no address")
		}
		port, err := strconv.ParseUint(pm[1], 10, 16)
		if err != nil || port == 0 {
			return zerr.At(zerr.KindAnalysis, RuleBadTraceLine,
				fmt.Sprintf("line %d", lineNo), "connect port out of range")
		}
		p.addEndpoint(am[1], uint16(port), udp)
		p.site(siteKeyEndpoint(am[1], uint16(port), udp), site)
		return nil
	}

	// Resolved "host:port" form.
	if q := quotedRe.FindStringSubmatch(args); q != nil {
		if hp := hostPortRe.FindStringSubmatch(q[1]); hp != nil {
			host := strings.Trim(hp[1], "[]")
			port, err := strconv.ParseUint(hp[2], 10, 16)
			if err != nil || port == 0 {
				return zerr.At(zerr.KindAnalysis, RuleBadTraceLine,
					fmt.Sprintf("line %d", lineNo), "connect port out of range")
			}
			p.addEndpoint(host, uint16(port), udp)
			p.site(siteKeyEndpoint(host, uint16(port), udp), site)
			return nil
		}
	}

	// AF_UNIX and abstract sockets carry no network capability.
	if strings.Contains(args, "AF_UNIX") || strings.Contains(args, "AF_LOCAL") {
		return nil
	}
	return zerr.At(zerr.KindAnalysis, RuleBadTraceLine,
		fmt.Sprintf("line %d", lineNo), "connect without a resolvable endpoint")
}
