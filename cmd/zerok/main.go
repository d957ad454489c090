// Command zerok builds, signs, verifies, inspects, and audits .kpkg
// capability packages.
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"zerok.dev/zerok/audit"
	"zerok.dev/zerok/epoch"
	"zerok.dev/zerok/epoch/grpcepoch"
	epochlocalfs "zerok.dev/zerok/epoch/localfs"
	"zerok.dev/zerok/inspect"
	"zerok.dev/zerok/keys"
	"zerok.dev/zerok/kpkg"
	"zerok.dev/zerok/manifest"
	"zerok.dev/zerok/sig"
	"zerok.dev/zerok/zerr"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "package":
		return cmdPackage(args[1:], out, errOut)
	case "gen-key":
		return cmdGenKey(args[1:], out, errOut)
	case "sign":
		return cmdSign(args[1:], out, errOut)
	case "verify":
		return cmdVerify(args[1:], out, errOut)
	case "inspect":
		return cmdInspect(args[1:], out, errOut)
	case "audit":
		return cmdAudit(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "zerok: capability-package toolkit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  zerok package --input <dir> --output <file>")
	fmt.Fprintln(w, "  zerok gen-key --private <file> --public <file> [--algorithm ed25519|dilithium3]")
	fmt.Fprintln(w, "  zerok sign --path <pkg> --key <sk> [--out <sig>]")
	fmt.Fprintln(w, "  zerok verify --path <pkg> --pubkey <pk> --signature <sig> [--threshold <n>]")
	fmt.Fprintln(w, "               [--epoch-store <dir> | --epoch-server <host:port>] [--epoch-update]")
	fmt.Fprintln(w, "  zerok inspect {--path <pkg> | <manifest>} [--pubkey <pk>] [--signature <sig>]")
	fmt.Fprintln(w, "  zerok audit elf <path> [--target <machine>] [--json <file>] [--manifest <file>]")
	fmt.Fprintln(w, "  zerok audit trace <path> [--strict] [--root <dir>] [--json <file>] [--manifest <file>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Audit subcommands accept --declared <manifest> and --fail-on-diff to lint")
	fmt.Fprintln(w, "a declared manifest against the observed capability footprint.")
}

// Exit codes: 0 success, 2 usage, 3 I/O, 4 format, 5 validation,
// 6 signature, 7 non-empty audit diff under --fail-on-diff.
func exitCode(err error) int {
	switch zerr.KindOf(err) {
	case zerr.KindIO:
		return 3
	case zerr.KindFormat, zerr.KindAnalysis:
		return 4
	case zerr.KindValidation, zerr.KindPolicy:
		return 5
	case zerr.KindCrypto:
		return 6
	default:
		return 1
	}
}

func fail(errOut io.Writer, jsonMode bool, err error) int {
	if jsonMode {
		var ze *zerr.Error
		obj := map[string]any{"message": err.Error()}
		if errors.As(err, &ze) {
			obj = map[string]any{
				"kind":    string(ze.Kind),
				"rule":    ze.RuleID,
				"path":    ze.Path,
				"message": ze.Message,
			}
		}
		_ = json.NewEncoder(errOut).Encode(map[string]any{"error": obj})
	} else {
		fmt.Fprintf(errOut, "zerok: %v\n", err)
	}
	return exitCode(err)
}

func readInput(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.Wrap(zerr.KindIO, "ZK-IO-101", "read "+path, err)
	}
	return b, nil
}

func writeOutput(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return zerr.Wrap(zerr.KindIO, "ZK-IO-102", "write "+path, err)
	}
	return nil
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func cmdPackage(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("package", flag.ContinueOnError)
	fs.SetOutput(errOut)
	input := fs.String("input", "", "Input directory holding 'binary' and '.kpkg.toml'")
	output := fs.String("output", "", "Output .kpkg path")
	jsonMode := fs.Bool("json", false, "Machine-readable output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *input == "" || *output == "" {
		fmt.Fprintln(errOut, "missing --input or --output")
		return 2
	}

	manifestBytes, err := readInput(filepath.Join(*input, ".kpkg.toml"))
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}
	binary, err := readInput(filepath.Join(*input, "binary"))
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}

	// A package with an invalid manifest is never produced.
	if _, err := manifest.Parse(manifestBytes); err != nil {
		return fail(errOut, *jsonMode, err)
	}

	pkg, err := kpkg.Encode(manifestBytes, binary)
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}
	if err := writeOutput(*output, pkg); err != nil {
		return fail(errOut, *jsonMode, err)
	}

	if *jsonMode {
		_ = json.NewEncoder(out).Encode(map[string]any{
			"output": *output, "size": len(pkg),
		})
	} else {
		fmt.Fprintf(out, "Created .kpkg file at %s\n", *output)
	}
	return 0
}

func cmdGenKey(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("gen-key", flag.ContinueOnError)
	fs.SetOutput(errOut)
	private := fs.String("private", "", "Private key output path (raw bytes, 0600)")
	public := fs.String("public", "", "Public key output path (raw bytes, 0644)")
	algorithm := fs.String("algorithm", sig.AlgEd25519, "ed25519 or dilithium3")
	seedHex := fs.String("seed-hex", "", "Optional ed25519 seed as 64 hex chars (for reproducible tests)")
	jsonMode := fs.Bool("json", false, "Machine-readable output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *private == "" || *public == "" {
		fmt.Fprintln(errOut, "missing --private or --public")
		return 2
	}

	var err error
	switch *algorithm {
	case sig.AlgEd25519:
		if *seedHex != "" {
			var seed []byte
			seed, err = keys.ParseSeedHex(*seedHex)
			if err != nil {
				fmt.Fprintf(errOut, "invalid --seed-hex: %v\n", err)
				return 2
			}
			err = keys.WriteEd25519FromSeed(*private, *public, seed)
		} else {
			err = keys.GenerateEd25519(*private, *public)
		}
	case sig.AlgDilithium3:
		if *seedHex != "" {
			fmt.Fprintln(errOut, "--seed-hex applies to ed25519 only")
			return 2
		}
		err = keys.GenerateDilithium3(*private, *public)
	default:
		fmt.Fprintf(errOut, "unknown algorithm %q\n", *algorithm)
		return 2
	}
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}

	pub, err := keys.LoadPublic(*public)
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}
	fp := pub.Fingerprint()
	if *jsonMode {
		_ = json.NewEncoder(out).Encode(map[string]any{
			"algorithm": *algorithm, "fingerprint": fmt.Sprintf("%x", fp),
		})
	} else {
		fmt.Fprintf(out, "Generated %s keypair, fingerprint %x\n", *algorithm, fp)
	}
	return 0
}

// loadSigner reads a private key file, discriminating the algorithm by length.
func loadSigner(path string) (ed25519.PrivateKey, *mode3.PrivateKey, error) {
	b, err := readInput(path)
	if err != nil {
		return nil, nil, err
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil, nil
	case mode3.PrivateKeySize:
		var priv mode3.PrivateKey
		if err := priv.UnmarshalBinary(b); err != nil {
			return nil, nil, zerr.Wrap(zerr.KindCrypto, sig.RuleBadPublicKey, "invalid private key", err)
		}
		return nil, &priv, nil
	default:
		return nil, nil, zerr.New(zerr.KindCrypto, sig.RuleBadPublicKey,
			fmt.Sprintf("unrecognized private key length %d", len(b)))
	}
}

func cmdSign(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(errOut)
	path := fs.String("path", "", "Package to sign")
	keyPath := fs.String("key", "", "Private key file")
	sigOut := fs.String("out", "", "Signature output path (default <pkg>.sig)")
	jsonMode := fs.Bool("json", false, "Machine-readable output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" || *keyPath == "" {
		fmt.Fprintln(errOut, "missing --path or --key")
		return 2
	}
	dest := *sigOut
	if dest == "" {
		dest = *path + ".sig"
	}

	pkgBytes, err := readInput(*path)
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}
	// Refuse to sign a package that does not decode; the signature would
	// bless an artifact no verifier will accept.
	if _, err := kpkg.Decode(pkgBytes, kpkg.Limits{}); err != nil {
		return fail(errOut, *jsonMode, err)
	}

	edPriv, dPriv, err := loadSigner(*keyPath)
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}
	var s *sig.Signature
	if edPriv != nil {
		s = sig.SignEd25519(pkgBytes, edPriv)
	} else {
		s, err = sig.SignDilithium3(pkgBytes, dPriv)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
	}
	if err := writeOutput(dest, s.Encode()); err != nil {
		return fail(errOut, *jsonMode, err)
	}

	if *jsonMode {
		_ = json.NewEncoder(out).Encode(map[string]any{
			"signature": dest, "algorithm": s.Alg, "fingerprint": fmt.Sprintf("%x", s.Fingerprint),
		})
	} else {
		fmt.Fprintf(out, "Wrote %s signature to %s\n", s.Alg, dest)
	}
	return 0
}

func cmdVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(errOut)
	path := fs.String("path", "", "Package to verify")
	var pubPaths, sigPaths multiFlag
	fs.Var(&pubPaths, "pubkey", "Trusted public key file (repeatable)")
	fs.Var(&sigPaths, "signature", "Detached signature file (repeatable)")
	threshold := fs.Int("threshold", 1, "Distinct trusted signers required")
	epochStore := fs.String("epoch-store", "", "Directory-backed epoch record for anti-rollback")
	epochServer := fs.String("epoch-server", "", "gRPC epoch record server for anti-rollback")
	epochUpdate := fs.Bool("epoch-update", false, "Advance the epoch record after success")
	jsonMode := fs.Bool("json", false, "Machine-readable output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" || len(pubPaths) == 0 || len(sigPaths) == 0 {
		fmt.Fprintln(errOut, "missing --path, --pubkey, or --signature")
		return 2
	}
	if *epochStore != "" && *epochServer != "" {
		fmt.Fprintln(errOut, "--epoch-store and --epoch-server are mutually exclusive")
		return 2
	}
	if *epochUpdate && *epochStore == "" && *epochServer == "" {
		fmt.Fprintln(errOut, "--epoch-update needs --epoch-store or --epoch-server")
		return 2
	}

	pkgBytes, err := readInput(*path)
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}
	pkg, err := kpkg.Decode(pkgBytes, kpkg.Limits{})
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}

	var pubs []sig.PublicKey
	for _, p := range pubPaths {
		k, err := keys.LoadPublic(p)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		pubs = append(pubs, k)
	}
	var sigs []*sig.Signature
	for _, p := range sigPaths {
		b, err := readInput(p)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		s, err := sig.Parse(b)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		sigs = append(sigs, s)
	}

	if err := sig.Verify(pkgBytes, pubs, sigs, sig.VerifyOptions{Threshold: *threshold}); err != nil {
		return fail(errOut, *jsonMode, err)
	}

	// Anti-rollback runs after signature success: only an authentic manifest
	// may consult or advance the record.
	if *epochStore != "" || *epochServer != "" {
		m, err := manifest.Parse(pkg.Manifest)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		st, closeFn, err := openEpochStore(*epochStore, *epochServer)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		if closeFn != nil {
			defer closeFn()
		}
		if err := epoch.Check(st, m.Name, m.EpochValue()); err != nil {
			return fail(errOut, *jsonMode, err)
		}
		if *epochUpdate {
			if err := st.Bump(m.Name, m.EpochValue()); err != nil {
				return fail(errOut, *jsonMode, err)
			}
		}
	}

	if *jsonMode {
		_ = json.NewEncoder(out).Encode(map[string]any{
			"verified": true, "signatures": len(sigs), "threshold": *threshold,
		})
	} else {
		fmt.Fprintln(out, "OK")
	}
	return 0
}

func openEpochStore(dir, server string) (epoch.Store, func() error, error) {
	if dir != "" {
		st, err := epochlocalfs.New(dir)
		return st, nil, err
	}
	c, err := grpcepoch.Dial(server, grpcepoch.DialOptions{})
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

func cmdInspect(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(errOut)
	path := fs.String("path", "", "Package to inspect")
	pubPath := fs.String("pubkey", "", "Public key for signature status")
	sigPath := fs.String("signature", "", "Detached signature for signature status")
	hashAlg := fs.String("hash", "", "Additional payload digest (sha512 or sha3-256)")
	jsonMode := fs.Bool("json", false, "Machine-readable output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// Bare positional argument: validate a manifest file.
	if *path == "" {
		if fs.NArg() != 1 {
			fmt.Fprintln(errOut, "need --path <pkg> or a manifest path")
			return 2
		}
		return inspectManifest(fs.Arg(0), *jsonMode, out, errOut)
	}

	pkgBytes, err := readInput(*path)
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}

	opts := inspect.Options{HashAlg: *hashAlg}
	if *pubPath != "" {
		k, err := keys.LoadPublic(*pubPath)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		opts.Key = &k
	}
	if *sigPath != "" {
		b, err := readInput(*sigPath)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		s, err := sig.Parse(b)
		if err != nil {
			return fail(errOut, *jsonMode, err)
		}
		opts.Signature = s
	}

	r, err := inspect.Inspect(pkgBytes, opts)
	if err != nil {
		return fail(errOut, *jsonMode, err)
	}
	if *jsonMode {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r)
	} else {
		r.Render(out)
	}
	return 0
}

func inspectManifest(path string, jsonMode bool, out io.Writer, errOut io.Writer) int {
	b, err := readInput(path)
	if err != nil {
		return fail(errOut, jsonMode, err)
	}
	m, err := manifest.Parse(b)
	if err != nil {
		return fail(errOut, jsonMode, err)
	}
	if jsonMode {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(m)
	} else {
		fmt.Fprintf(out, "Manifest OK: %s %s\n", m.Name, m.Version)
	}
	return 0
}

func cmdAudit(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "audit needs a target: elf or trace")
		return 2
	}
	switch args[0] {
	case "elf":
		return cmdAuditELF(args[1:], out, errOut)
	case "trace":
		return cmdAuditTrace(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown audit target: %s\n", args[0])
		return 2
	}
}

type auditFlags struct {
	jsonFile     string
	manifestFile string
	declared     string
	failOnDiff   bool
}

func (a *auditFlags) add(fs *flag.FlagSet) {
	fs.StringVar(&a.jsonFile, "json", "", "Write JSON report to this file")
	fs.StringVar(&a.manifestFile, "manifest", "", "Write the proposed manifest to this file")
	fs.StringVar(&a.declared, "declared", "", "Declared manifest to diff against")
	fs.BoolVar(&a.failOnDiff, "fail-on-diff", false, "Exit 7 when the diff is non-empty")
}

// finishAudit renders, diffs, and writes audit outputs shared by both
// analyzers. extra carries analyzer-specific JSON fields.
func finishAudit(p *audit.Proposed, af auditFlags, extra map[string]any, out io.Writer, errOut io.Writer) int {
	var report *audit.Report
	if af.declared != "" {
		b, err := readInput(af.declared)
		if err != nil {
			return fail(errOut, false, err)
		}
		declared, err := manifest.Parse(b)
		if err != nil {
			return fail(errOut, false, err)
		}
		report = audit.DiffProposed(p, declared)
	}

	if af.manifestFile != "" {
		if err := writeOutput(af.manifestFile, audit.RenderManifest(p)); err != nil {
			return fail(errOut, false, err)
		}
	}
	if af.jsonFile != "" {
		obj := map[string]any{"proposed": p}
		for k, v := range extra {
			obj[k] = v
		}
		if report != nil {
			obj["diff"] = report
		}
		b, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return fail(errOut, false, zerr.Wrap(zerr.KindInternal, "", "encode report", err))
		}
		if err := writeOutput(af.jsonFile, append(b, '\n')); err != nil {
			return fail(errOut, false, err)
		}
	}

	fmt.Fprint(out, string(audit.RenderManifest(p)))
	if report != nil {
		fmt.Fprintln(out)
		report.RenderTable(out)
		if af.failOnDiff && !report.Empty() {
			return 7
		}
	}
	return 0
}

func cmdAuditELF(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("audit elf", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var af auditFlags
	af.add(fs)
	target := fs.String("target", "", "Reject binaries for another machine (e.g. EM_X86_64)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "audit elf needs exactly one binary path")
		return 2
	}
	path := fs.Arg(0)

	buf, err := readInput(path)
	if err != nil {
		return fail(errOut, false, err)
	}
	r, err := audit.AnalyzeELF(buf, audit.ELFOptions{
		Name:          strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		TargetMachine: *target,
	})
	if err != nil {
		return fail(errOut, false, err)
	}

	fmt.Fprintf(out, "== ELF Audit ==\n")
	fmt.Fprintf(out, "File: %s\n", path)
	fmt.Fprintf(out, "Arch: %s (%s)\n", r.Machine, r.Class)
	fmt.Fprintf(out, "PIE : %s\n", yesno(r.PIE))
	fmt.Fprintf(out, "NX  : %s\n", yesno(r.NX))
	fmt.Fprintf(out, "RELRO: %s  BIND_NOW: %s  Full RELRO: %s\n",
		yesno(r.RELRO), yesno(r.BindNow), yesno(r.FullRELRO))
	if r.Interp != "" {
		fmt.Fprintf(out, "Interp: %s\n", r.Interp)
	}
	printList(out, "Shared libs (DT_NEEDED)", r.Needed)
	printList(out, "RPATH/RUNPATH", r.RunPath)
	printList(out, "Interesting imports", r.Imports)
	printList(out, "Candidate config/data paths (from strings)", r.CandidatePaths)
	fmt.Fprintln(out)

	return finishAudit(r.Proposed, af, map[string]any{"elf": r}, out, errOut)
}

func cmdAuditTrace(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("audit trace", flag.ContinueOnError)
	fs.SetOutput(errOut)
	var af auditFlags
	af.add(fs)
	strict := fs.Bool("strict", false, "Abort on the first unparseable line")
	root := fs.String("root", "", "Resolve relative trace paths against this root")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "audit trace needs exactly one log path")
		return 2
	}
	path := fs.Arg(0)

	f, err := os.Open(path)
	if err != nil {
		return fail(errOut, false, zerr.Wrap(zerr.KindIO, "ZK-IO-101", "read "+path, err))
	}
	defer f.Close()

	p, err := audit.AnalyzeTrace(f, audit.TraceOptions{
		Name:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Strict: *strict,
		Root:   *root,
	})
	if err != nil {
		return fail(errOut, false, err)
	}

	fmt.Fprintf(out, "== Trace Audit ==\n")
	fmt.Fprintf(out, "File: %s\n", path)
	if p.UnparsedLines > 0 {
		fmt.Fprintf(out, "Unparseable lines skipped: %d\n", p.UnparsedLines)
	}
	fmt.Fprintln(out)

	return finishAudit(p, af, map[string]any{"unparsed_lines": p.UnparsedLines}, out, errOut)
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}

func yesno(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
