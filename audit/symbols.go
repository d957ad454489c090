package audit

import "strings"

// Symbol classification for the ELF analyzer. Contains-matching handles
// versioned names like "connect@@GLIBC_2.2.5".

var interestingKeywords = []string{
	"open", "openat", "fopen", "read", "write", "close",
	"socket", "connect", "send", "recv", "getaddrinfo",
	"fork", "vfork", "clone", "execve", "posix_spawn", "system", "popen",
	"ptrace", "ioctl", "mprotect", "dlopen",
	"setuid", "capset", "futex", "prctl",
	"clock_gettime", "gettimeofday",
}

var networkSymbols = []string{
	"socket", "socketpair", "bind", "connect", "listen", "accept", "accept4",
	"getsockname", "getpeername",
	"send", "sendto", "sendmsg", "sendmmsg",
	"recv", "recvfrom", "recvmsg", "recvmmsg",
	"setsockopt", "getsockopt", "shutdown",
	"__socket", "__connect", "__send", "__recv",
	// TLS front doors catch HTTPS tools.
	"SSL_", "TLS_", "BIO_",
	// DNS helpers.
	"getaddrinfo", "getnameinfo", "gethostbyname", "gethostbyaddr",
}

var execSymbols = []string{
	"execve", "execvp", "execv", "posix_spawn", "fork", "vfork", "system", "popen",
}

var fileSymbols = []string{
	"open", "openat", "fopen", "creat",
}

func matchAny(name string, pats []string) bool {
	for _, p := range pats {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}

func interestingSymbol(name string) bool { return matchAny(name, interestingKeywords) }
func networkSymbol(name string) bool     { return matchAny(name, networkSymbols) }
func execSymbol(name string) bool        { return matchAny(name, execSymbols) }

// fileSymbol is stricter than Contains: "open" would otherwise match dlopen.
func fileSymbol(name string) bool {
	base := name
	if i := strings.IndexByte(base, '@'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimPrefix(base, "__")
	for _, p := range fileSymbols {
		if base == p || strings.HasPrefix(base, p+"6") || base == p+"at" {
			return true
		}
	}
	return false
}
