//go:build amd64

// Reports the host CPU features the compute layer cares about and which
// dispatch level it picked. Run with `go run ./scripts` when debugging a
// machine that falls back to scalar kernels unexpectedly.
package main

import (
	"fmt"
	"os"
	"runtime"

	"simd/archsimd"

	json "github.com/goccy/go-json"

	"github.com/tobymordkin/cortex/internal/compute"
)

type report struct {
	GoVersion  string          `json:"go_version"`
	GoOS       string          `json:"go_os"`
	GoArch     string          `json:"go_arch"`
	CPUs       int             `json:"cpus"`
	GOMAXPROCS int             `json:"gomaxprocs"`
	Detected   string          `json:"detected_level"`
	Active     string          `json:"active_level"`
	Features   map[string]bool `json:"features"`
}

func main() {
	out := report{
		GoVersion:  runtime.Version(),
		GoOS:       runtime.GOOS,
		GoArch:     runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		Detected:   compute.Detected().String(),
		Active:     compute.Active().String(),
		Features: map[string]bool{
			"AVX":     archsimd.X86.AVX(),
			"AVX2":    archsimd.X86.AVX2(),
			"FMA":     archsimd.X86.FMA(),
			"AVX512":  archsimd.X86.AVX512(),
			"AVXVNNI": archsimd.X86.AVXVNNI(),
		},
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
