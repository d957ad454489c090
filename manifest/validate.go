package manifest

import (
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"zerok.dev/zerok/zerr"
)

// Stable rule IDs for semantic violations.
const (
	RuleName          = "ZK-VAL-101"
	RuleVersion       = "ZK-VAL-102"
	RulePath          = "ZK-VAL-111"
	RuleWildcard      = "ZK-VAL-112"
	RuleDuplicatePath = "ZK-VAL-113"
	RuleReadWrite     = "ZK-VAL-114"
	RuleEndpoint      = "ZK-VAL-121"
	RulePin           = "ZK-VAL-122"
	RuleTLSPolicy     = "ZK-VAL-123"
	RuleDupEndpoint   = "ZK-VAL-124"
	RuleMemory        = "ZK-VAL-131"
	RuleCPU           = "ZK-VAL-132"
	RuleTime          = "ZK-VAL-133"
	RuleRNG           = "ZK-VAL-134"
	RuleIPC           = "ZK-VAL-135"
)

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	versionRe = regexp.MustCompile(`^(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)\.(0|[1-9][0-9]*)(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	labelRe   = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
)

// WildcardSuffix is the only wildcard form accepted when a file set opts in
// with wildcards_allowed; it grants the subtree rooted at the stem by prefix.
const WildcardSuffix = "/**"

// Validate enforces the semantic rules over a structurally decoded manifest.
// Rules are evaluated in a fixed order so the first reported violation is
// deterministic.
func Validate(m *Manifest) error {
	if !nameRe.MatchString(m.Name) {
		return zerr.At(zerr.KindValidation, RuleName, "name",
			"must match [A-Za-z0-9_.-]{1,64}")
	}
	if !versionRe.MatchString(m.Version) {
		return zerr.At(zerr.KindValidation, RuleVersion, "version",
			"not a semantic version")
	}

	c := &m.Capabilities
	if err := validateMemory(c.Memory); err != nil {
		return err
	}
	if err := validateCPU(c.CPU); err != nil {
		return err
	}
	if err := validateFiles(c.Files); err != nil {
		return err
	}
	if err := validateNetwork(c.Network); err != nil {
		return err
	}
	if err := validateIPC(c.IPC); err != nil {
		return err
	}
	if err := validateTime(c.Time); err != nil {
		return err
	}
	if err := validateRNG(c.RNG); err != nil {
		return err
	}
	return nil
}

func validateMemory(mem *Memory) error {
	if mem == nil {
		return nil
	}
	if mem.MaxBytes == 0 {
		return zerr.At(zerr.KindValidation, RuleMemory,
			"capabilities.memory.max_bytes", "must be positive")
	}
	if mem.RSSMax != nil && *mem.RSSMax > mem.MaxBytes {
		return zerr.At(zerr.KindValidation, RuleMemory,
			"capabilities.memory.rss_max", "exceeds max_bytes")
	}
	return nil
}

func validateCPU(cpu *CPU) error {
	if cpu == nil {
		return nil
	}
	switch cpu.Schedule {
	case ScheduleFixed, ScheduleBestEffort:
	default:
		return zerr.At(zerr.KindValidation, RuleCPU,
			"capabilities.cpu.schedule",
			fmt.Sprintf("unknown schedule %q", cpu.Schedule))
	}
	if cpu.QuotaMSPerS != nil && *cpu.QuotaMSPerS > 1000 {
		return zerr.At(zerr.KindValidation, RuleCPU,
			"capabilities.cpu.quota_ms_per_s", "exceeds 1000")
	}
	return nil
}

func validateFiles(f *Files) error {
	if f == nil {
		return nil
	}
	readPaths, err := validateFileSet(f.Read, "capabilities.files.read")
	if err != nil {
		return err
	}
	writePaths, err := validateFileSet(f.Write, "capabilities.files.write")
	if err != nil {
		return err
	}

	// A path granted for read and for write is a duplicate grant unless the
	// write side subsumes it through a wider prefix entry.
	writeSet := map[string]bool{}
	for _, p := range writePaths {
		writeSet[p] = true
	}
	for i, p := range readPaths {
		if writeSet[p] {
			return zerr.At(zerr.KindValidation, RuleReadWrite,
				fmt.Sprintf("capabilities.files.read.paths[%d]", i),
				"path also granted for write")
		}
	}
	return nil
}

// validateFileSet checks path shape and duplicates; it returns the entries
// for the cross-set check.
func validateFileSet(fs *FileSet, group string) ([]string, error) {
	if fs == nil {
		return nil, nil
	}
	seen := map[string]bool{}
	for i, p := range fs.Paths {
		addr := fmt.Sprintf("%s.paths[%d]", group, i)
		stem := p
		if strings.HasSuffix(p, WildcardSuffix) {
			if !fs.WildcardsAllowed {
				return nil, zerr.At(zerr.KindValidation, RuleWildcard, addr,
					"wildcard entry without wildcards_allowed")
			}
			stem = strings.TrimSuffix(p, WildcardSuffix)
			if stem == "" {
				stem = "/"
			}
		}
		if err := CheckPath(stem); err != nil {
			return nil, zerr.At(zerr.KindValidation, RulePath, addr, err.Error())
		}
		if strings.ContainsAny(stem, "*?") {
			return nil, zerr.At(zerr.KindValidation, RuleWildcard, addr,
				"glob metacharacters are not supported")
		}
		if seen[p] {
			return nil, zerr.At(zerr.KindValidation, RuleDuplicatePath, addr,
				"duplicate path")
		}
		seen[p] = true
	}
	return fs.Paths, nil
}

// CheckPath reports whether p is a canonical absolute path: no "." or ".."
// components, no redundant separators, no trailing separator (except the
// single-character root), no NUL.
func CheckPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.IndexByte(p, 0x00) >= 0 {
		return fmt.Errorf("embedded NUL")
	}
	if p[0] != '/' {
		return fmt.Errorf("not absolute")
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("trailing separator")
	}
	for _, seg := range strings.Split(p[1:], "/") {
		switch seg {
		case "":
			return fmt.Errorf("redundant separator")
		case ".", "..":
			return fmt.Errorf("dot component")
		}
	}
	return nil
}

func validateNetwork(n *Network) error {
	if n == nil {
		return nil
	}
	requireTLS := n.RequireTLSEnabled()
	seen := map[string]bool{}
	for i, ep := range n.Connect {
		addr := fmt.Sprintf("capabilities.network.connect[%d]", i)
		host, port, err := SplitEndpoint(ep.Addr)
		if err != nil {
			return zerr.At(zerr.KindValidation, RuleEndpoint, addr+".addr", err.Error())
		}
		if requireTLS && ep.Plaintext {
			return zerr.At(zerr.KindValidation, RuleTLSPolicy, addr+".plaintext",
				"plaintext endpoint under require_tls")
		}
		if requireTLS && !ep.HostnameVerifyEnabled() {
			return zerr.At(zerr.KindValidation, RuleTLSPolicy, addr+".hostname_verify",
				"hostname_verify disabled under require_tls")
		}
		for j, pin := range ep.SPKIPins {
			raw, err := base64.StdEncoding.DecodeString(pin)
			if err != nil {
				return zerr.At(zerr.KindValidation, RulePin,
					fmt.Sprintf("%s.spki_pins[%d]", addr, j), "not base64")
			}
			if len(raw) != 32 {
				return zerr.At(zerr.KindValidation, RulePin,
					fmt.Sprintf("%s.spki_pins[%d]", addr, j), "not a SHA-256 digest")
			}
		}
		key := fmt.Sprintf("%s|%d|%t", host, port, ep.UDP)
		if seen[key] {
			return zerr.At(zerr.KindValidation, RuleDupEndpoint, addr,
				"duplicate endpoint")
		}
		seen[key] = true
	}
	return nil
}

// SplitEndpoint parses "host:port" where host is a DNS name or IP literal and
// port is 1..65535.
func SplitEndpoint(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("not host:port")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("port out of range")
	}
	if net.ParseIP(host) == nil {
		if !validDNSName(host) {
			return "", 0, fmt.Errorf("host is neither DNS name nor IP literal")
		}
	}
	return host, uint16(port), nil
}

func validDNSName(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if !labelRe.MatchString(label) {
			return false
		}
	}
	return true
}

func validateIPC(ipc *IPC) error {
	if ipc == nil {
		return nil
	}
	seen := map[string]bool{}
	for i, svc := range ipc.Services {
		addr := fmt.Sprintf("capabilities.ipc.services[%d]", i)
		if !nameRe.MatchString(svc) {
			return zerr.At(zerr.KindValidation, RuleIPC, addr,
				"must match [A-Za-z0-9_.-]{1,64}")
		}
		if seen[svc] {
			return zerr.At(zerr.KindValidation, RuleIPC, addr, "duplicate service")
		}
		seen[svc] = true
	}
	return nil
}

func validateTime(t *Time) error {
	if t == nil {
		return nil
	}
	if t.ResolutionMS < 1 {
		return zerr.At(zerr.KindValidation, RuleTime,
			"capabilities.time.resolution_ms", "must be >= 1")
	}
	return nil
}

func validateRNG(r *RNG) error {
	if r == nil {
		return nil
	}
	switch r.Provider {
	case RNGOSCSPRNG, RNGDeterministicForTesting:
		return nil
	default:
		return zerr.At(zerr.KindValidation, RuleRNG,
			"capabilities.rng.provider",
			fmt.Sprintf("unknown provider %q", r.Provider))
	}
}
