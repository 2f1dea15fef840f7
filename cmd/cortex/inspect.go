package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/tobymordkin/cortex/internal/gguf"
	"github.com/tobymordkin/cortex/internal/model"
	"github.com/tobymordkin/cortex/internal/quant"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showAll      bool
		showMeta     bool
		showTensors  bool
		showVocab    bool
		tensorFilter string
		tensorLimit  int
		vocabLimit   int
		asJSON       bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .gguf model file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .gguf file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "all", Usage: "show all sections", Destination: &showAll},
			&cli.BoolFlag{Name: "metadata", Aliases: []string{"kv"}, Usage: "show all metadata key/values", Destination: &showMeta},
			&cli.BoolFlag{Name: "tensors", Usage: "list the tensor directory", Destination: &showTensors},
			&cli.BoolFlag{Name: "vocab", Usage: "list vocab entries", Destination: &showVocab},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
			&cli.IntFlag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.IntFlag{Name: "vocab-limit", Usage: "limit vocab listing (0 = no limit)", Value: 50, Destination: &vocabLimit},
			&cli.BoolFlag{Name: "json", Usage: "emit a machine readable report", Destination: &asJSON},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			if showAll {
				showMeta = true
				showTensors = true
				showVocab = true
				if tensorLimit == 50 {
					tensorLimit = 0
				}
				if vocabLimit == 50 {
					vocabLimit = 0
				}
			}

			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat model path %q: %v", path, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(path), ".gguf") {
				return cli.Exit("error: cortex inspect only supports .gguf files", 1)
			}

			f, err := gguf.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open gguf: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			if asJSON {
				report := buildInspectReport(f, stat.Size())
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode report: %v", err), 1)
				}
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("GGUF Inspect: %s\n", path)
			fmt.Printf("File: %s (%s)\n", filepath.Base(path), formatBytes(uint64(stat.Size())))
			fmt.Printf("GGUF v%d | tensors=%d | kv=%d | alignment=%d | data_offset=%d\n",
				f.Version, len(f.Tensors), len(f.KV), f.Alignment, f.DataOffset)

			printParameters(f)
			printTokenizerSummary(f)
			printTensorSummary(f)

			if showMeta {
				printMetadata(f)
			}
			if showTensors {
				printTensorDirectory(f, tensorFilter, tensorLimit)
			}
			if showVocab {
				printVocab(f, vocabLimit)
			}

			return nil
		},
	}
}

func printParameters(f *gguf.File) {
	section("Parameters")
	p, err := model.ParamsFromFile(f)
	if err != nil {
		// Not a llama-family file; fall back to the general keys.
		if arch, ok := f.GetString("general.architecture"); ok {
			row("architecture", arch)
		}
		if name, ok := f.GetString("general.name"); ok {
			row("name", name)
		}
		fmt.Printf("(%v)\n", err)
		return
	}
	row("architecture", p.Arch)
	if name, ok := f.GetString("general.name"); ok {
		row("name", name)
	}
	rowInt("blocks", p.Blocks)
	rowInt("embedding_length", p.Embedding)
	rowInt("feed_forward_length", p.FFN)
	rowInt("head_count", p.Heads)
	rowInt("head_count_kv", p.KVHeads)
	rowInt("head_dim", p.HeadDim)
	rowInt("context_length", p.ContextLength)
	rowInt("vocab_size", p.Vocab)
	rowFloat("rope_freq_base", p.RopeFreqBase)
	rowFloat("rms_norm_eps", p.RMSEpsilon)
}

func printTokenizerSummary(f *gguf.File) {
	section("Tokenizer")
	if m, ok := f.GetString("tokenizer.ggml.model"); ok {
		row("model", m)
	}
	if tokens, ok := gguf.GetArray[string](f, "tokenizer.ggml.tokens"); ok {
		rowInt("tokens", len(tokens))
	}
	if scores, ok := gguf.GetArray[float32](f, "tokenizer.ggml.scores"); ok {
		rowInt("scores", len(scores))
	}
	if bos, ok := f.GetUint("tokenizer.ggml.bos_token_id"); ok {
		row("bos_token_id", fmt.Sprintf("%d", bos))
	}
	if eos, ok := f.GetUint("tokenizer.ggml.eos_token_id"); ok {
		row("eos_token_id", fmt.Sprintf("%d", eos))
	}
	if addBOS, ok := f.GetBool("tokenizer.ggml.add_bos_token"); ok {
		row("add_bos", fmt.Sprintf("%v", addBOS))
	}
}

func printTensorSummary(f *gguf.File) {
	section("Tensor Summary")
	rowInt("tensors", len(f.Tensors))

	kindCounts := map[quant.Kind]int{}
	kindBytes := map[quant.Kind]uint64{}
	var total uint64
	for _, t := range f.Tensors {
		kindCounts[t.Kind]++
		kindBytes[t.Kind] += uint64(len(t.Data))
		total += uint64(len(t.Data))
	}
	row("data_size", formatBytes(total))

	kinds := make([]quant.Kind, 0, len(kindCounts))
	for k := range kindCounts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, k := range kinds {
		row(fmt.Sprintf("kind_%s", k), fmt.Sprintf("%d (%s)", kindCounts[k], formatBytes(kindBytes[k])))
	}
}

func printMetadata(f *gguf.File) {
	section("Metadata")
	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s = %s\n", k, formatValue(f.KV[k]))
	}
}

func printTensorDirectory(f *gguf.File, filter string, limit int) {
	section("Tensors")
	printed := 0
	for _, t := range f.Tensors {
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		fmt.Printf("%-40s %-6s %-16s %s\n",
			t.Name, t.Kind, formatShape(t.Dims), formatBytes(uint64(len(t.Data))))
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if limit > 0 && printed < len(f.Tensors) {
		fmt.Printf("... (%d shown of %d)\n", printed, len(f.Tensors))
	}
}

func printVocab(f *gguf.File, limit int) {
	section("Vocab")
	tokens, ok := gguf.GetArray[string](f, "tokenizer.ggml.tokens")
	if !ok {
		fmt.Println("(no vocab)")
		return
	}
	shown := 0
	for id, tok := range tokens {
		fmt.Printf("%6d  %q\n", id, tok)
		shown++
		if limit > 0 && shown >= limit {
			break
		}
	}
	if limit > 0 && shown < len(tokens) {
		fmt.Printf("... (%d shown of %d)\n", shown, len(tokens))
	}
}

type inspectReport struct {
	Path       string          `json:"path"`
	SizeBytes  int64           `json:"size_bytes"`
	Version    uint32          `json:"version"`
	Alignment  uint64          `json:"alignment"`
	DataOffset uint64          `json:"data_offset"`
	Metadata   map[string]any  `json:"metadata"`
	Tensors    []inspectTensor `json:"tensors"`
}

type inspectTensor struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Dims   []uint64 `json:"dims"`
	Offset uint64   `json:"offset"`
	Bytes  int      `json:"bytes"`
}

func buildInspectReport(f *gguf.File, size int64) inspectReport {
	meta := make(map[string]any, len(f.KV))
	for k, v := range f.KV {
		meta[k] = metaValue(v)
	}
	tensors := make([]inspectTensor, 0, len(f.Tensors))
	for _, t := range f.Tensors {
		tensors = append(tensors, inspectTensor{
			Name:   t.Name,
			Kind:   t.Kind.String(),
			Dims:   t.Dims,
			Offset: t.Offset,
			Bytes:  len(t.Data),
		})
	}
	return inspectReport{
		Path:       f.Path,
		SizeBytes:  size,
		Version:    f.Version,
		Alignment:  f.Alignment,
		DataOffset: f.DataOffset,
		Metadata:   meta,
		Tensors:    tensors,
	}
}

// metaValue keeps the report readable: arrays collapse to a summary
// instead of dumping every vocab entry.
func metaValue(v gguf.Value) any {
	if arr, ok := v.Value.(gguf.ArrayValue); ok {
		return map[string]any{
			"elem": arr.ElemType.String(),
			"len":  len(arr.Values),
		}
	}
	return v.Value
}

func formatValue(v gguf.Value) string {
	switch val := v.Value.(type) {
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case gguf.ArrayValue:
		return fmt.Sprintf("array(%s) len=%d", val.ElemType.String(), len(val.Values))
	default:
		return fmt.Sprintf("%v", val)
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func rowFloat(label string, v float64) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%g", v))
}

func formatShape(dims []uint64) string {
	if len(dims) == 0 {
		return "[]"
	}
	parts := make([]string, len(dims))
	for i, v := range dims {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
