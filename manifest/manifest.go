// Package manifest implements the capability manifest: the strongly typed
// model, the strict text-format decoder, and the semantic validator.
//
// The text format is TOML restricted to the schema below. Decoding denies
// unknown fields at every nesting level and validates value shapes before
// anything downstream sees the manifest.
package manifest

// Manifest is the declarative policy document embedded in a package.
type Manifest struct {
	Name         string       `toml:"name" json:"name"`
	Version      string       `toml:"version" json:"version"`
	Epoch        *uint64      `toml:"epoch,omitempty" json:"epoch,omitempty"`
	Capabilities Capabilities `toml:"capabilities,omitempty" json:"capabilities"`
}

// Capabilities groups every grantable capability. Omission of a group grants
// nothing from that group.
type Capabilities struct {
	Memory  *Memory  `toml:"memory,omitempty" json:"memory,omitempty"`
	CPU     *CPU     `toml:"cpu,omitempty" json:"cpu,omitempty"`
	Files   *Files   `toml:"files,omitempty" json:"files,omitempty"`
	Network *Network `toml:"network,omitempty" json:"network,omitempty"`
	Exec    *Exec    `toml:"exec,omitempty" json:"exec,omitempty"`
	IPC     *IPC     `toml:"ipc,omitempty" json:"ipc,omitempty"`
	Time    *Time    `toml:"time,omitempty" json:"time,omitempty"`
	RNG     *RNG     `toml:"rng,omitempty" json:"rng,omitempty"`
}

type Memory struct {
	MaxBytes uint64  `toml:"max_bytes" json:"max_bytes"`
	RSSMax   *uint64 `toml:"rss_max,omitempty" json:"rss_max,omitempty"`
}

// Schedule values for the cpu group.
const (
	ScheduleFixed      = "fixed"
	ScheduleBestEffort = "best_effort"
)

type CPU struct {
	Schedule     string  `toml:"schedule" json:"schedule"`
	QuotaMSPerS  *uint32 `toml:"quota_ms_per_s,omitempty" json:"quota_ms_per_s,omitempty"`
	Core         *uint32 `toml:"core,omitempty" json:"core,omitempty"`
	JitterMS     uint32  `toml:"jitter_ms,omitempty" json:"jitter_ms"`
}

type Files struct {
	Read  *FileSet `toml:"read,omitempty" json:"read,omitempty"`
	Write *FileSet `toml:"write,omitempty" json:"write,omitempty"`
}

// FileSet is a set of absolute, already-canonical paths. With
// WildcardsAllowed a path entry may end in "/**", granting the subtree by
// prefix; glob metacharacters are rejected regardless.
type FileSet struct {
	Paths            []string `toml:"paths" json:"paths"`
	WildcardsAllowed bool     `toml:"wildcards_allowed,omitempty" json:"wildcards_allowed,omitempty"`
}

type Network struct {
	RequireTLS *bool      `toml:"require_tls,omitempty" json:"require_tls,omitempty"`
	Connect    []Endpoint `toml:"connect,omitempty" json:"connect,omitempty"`
}

// RequireTLSEnabled reports the group-level require_tls policy (default true).
func (n *Network) RequireTLSEnabled() bool {
	if n == nil || n.RequireTLS == nil {
		return true
	}
	return *n.RequireTLS
}

// Endpoint is one allowed network destination.
type Endpoint struct {
	Addr           string   `toml:"addr" json:"addr"`
	HostnameVerify *bool    `toml:"hostname_verify,omitempty" json:"hostname_verify,omitempty"`
	SPKIPins       []string `toml:"spki_pins,omitempty" json:"spki_pins,omitempty"`
	UDP            bool     `toml:"udp,omitempty" json:"udp"`
	Plaintext      bool     `toml:"plaintext,omitempty" json:"plaintext"`
}

// HostnameVerifyEnabled reports the endpoint hostname_verify setting
// (default true).
func (e *Endpoint) HostnameVerifyEnabled() bool {
	if e.HostnameVerify == nil {
		return true
	}
	return *e.HostnameVerify
}

type Exec struct {
	AllowSpawn  bool `toml:"allow_spawn,omitempty" json:"allow_spawn"`
	AllowDlopen bool `toml:"allow_dlopen,omitempty" json:"allow_dlopen"`
}

type IPC struct {
	Services []string `toml:"services" json:"services"`
}

type Time struct {
	ResolutionMS uint32 `toml:"resolution_ms" json:"resolution_ms"`
	RDTSC        bool   `toml:"rdtsc,omitempty" json:"rdtsc"`
}

// RNG provider values.
const (
	RNGOSCSPRNG           = "os_csprng"
	RNGDeterministicForTesting = "deterministic_for_testing"
)

type RNG struct {
	Provider string `toml:"provider" json:"provider"`
}

// EpochValue returns the manifest epoch, zero when absent.
func (m *Manifest) EpochValue() uint64 {
	if m.Epoch == nil {
		return 0
	}
	return *m.Epoch
}
