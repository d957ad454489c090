// Command kpkg_vector_gen writes conformance vectors for the .kpkg codec:
// one valid package plus one mutant per layout invariant. Other
// implementations can replay the directory to check bit-exact agreement.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"zerok.dev/zerok/kpkg"
)

func main() {
	fs := flag.NewFlagSet("kpkg_vector_gen", flag.ExitOnError)
	outDir := fs.String("out", "vectors", "output directory")
	_ = fs.Parse(os.Args[1:])

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	manifest := []byte("name = \"vector\"\nversion = \"1.0.0\"\n\n[capabilities.memory]\nmax_bytes = 4096\n")
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	valid, err := kpkg.Encode(manifest, payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), valid...)
		return f(b)
	}

	vectors := map[string][]byte{
		"valid.kpkg": valid,
		"trailing_byte.kpkg": mutate(func(b []byte) []byte {
			return append(b, 0x00)
		}),
		"bad_magic.kpkg": mutate(func(b []byte) []byte {
			b[0] = 'X'
			return b
		}),
		"unknown_version.kpkg": mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[4:6], 2)
			return b
		}),
		"nonzero_reserved.kpkg": mutate(func(b []byte) []byte {
			b[39] = 0x01
			return b
		}),
		"region_overlap.kpkg": mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[18:26], kpkg.HeaderSize)
			return b
		}),
		"region_out_of_bounds.kpkg": mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[10:18], uint64(len(payload))+1)
			return b
		}),
		"offset_overflow.kpkg": mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[18:26], ^uint64(0)-1)
			return b
		}),
	}

	for name, data := range vectors {
		path := filepath.Join(*outDir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s (%d bytes)\n", path, len(data))
	}
}
