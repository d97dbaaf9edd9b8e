// Command lc0go inspects and exercises LC0J weight files on the
// available compute backends.
//
// Subcommands:
//
//	gpu-info                         report backend/device availability
//	info  -model net.bin             load a model and print its shape
//	eval  -model net.bin -input f32  evaluate one encoded position
//	bench -model net.bin [-n N]      repeated-evaluation throughput
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/hailam/lc0go"
	"github.com/hailam/lc0go/internal/device"
	"github.com/hailam/lc0go/internal/store"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "gpu-info":
		runGpuInfo(os.Args[2:])
	case "info":
		runInfo(os.Args[2:])
	case "eval":
		runEval(os.Args[2:])
	case "bench":
		runBench(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: lc0go <gpu-info|info|eval|bench> [flags]")
}

func runGpuInfo(args []string) {
	fs := flag.NewFlagSet("gpu-info", flag.ExitOnError)
	vendor := fs.String("vendor", "", "filter devices by vendor substring")
	fs.Parse(args)

	backends := []device.Backend{device.Host()}
	for _, b := range backends {
		devs := device.Enumerate(device.Filter{Vendor: *vendor}, b)
		fmt.Printf("%s backend: available=%s (deviceCount=%d)\n",
			b.Name(), yesNo(len(devs) > 0), len(devs))
		for _, d := range devs {
			fmt.Printf("  [%d] %s vendor=%s class=%s\n", d.Index, d.Name, d.Vendor, d.Class)
		}
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	model := fs.String("model", "", "path to LC0J weight file")
	fs.Parse(args)
	if *model == "" {
		log.Fatal("info: -model is required")
	}

	h := lc0go.Create(*model)
	if h == 0 {
		log.Fatalf("failed to load %s", *model)
	}
	defer lc0go.Destroy(h)

	info, _ := lc0go.GetInfo(h)
	fmt.Printf("input channels:  %d\n", info[0])
	fmt.Printf("trunk channels:  %d\n", info[1])
	fmt.Printf("residual blocks: %d\n", info[2])
	fmt.Printf("policy channels: %d\n", info[3])
	fmt.Printf("value channels:  %d\n", info[4])
	fmt.Printf("policy size:     %d\n", info[5])
	fmt.Printf("parameters:      %d\n", info[6])
}

func runEval(args []string) {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	model := fs.String("model", "", "path to LC0J weight file")
	input := fs.String("input", "", "path to raw little-endian float32 input planes")
	top := fs.Int("top", 5, "number of policy entries to print")
	fs.Parse(args)
	if *model == "" || *input == "" {
		log.Fatal("eval: -model and -input are required")
	}

	h := lc0go.Create(*model)
	if h == 0 {
		log.Fatalf("failed to load %s", *model)
	}
	defer lc0go.Destroy(h)

	info, _ := lc0go.GetInfo(h)
	encoded, err := readFloat32File(*input)
	if err != nil {
		log.Fatalf("failed to read input: %v", err)
	}
	if int64(len(encoded)) != info[0]*64 {
		log.Fatalf("input has %d floats, model wants %d", len(encoded), info[0]*64)
	}

	policy := make([]float32, info[5])
	wdl := make([]float32, 3)
	value := lc0go.Predict(h, encoded, policy, wdl)

	fmt.Printf("value: %+.4f  W/D/L: %.4f %.4f %.4f\n", value, wdl[0], wdl[1], wdl[2])
	type scored struct {
		idx int
		p   float32
	}
	best := make([]scored, len(policy))
	for i, p := range policy {
		best[i] = scored{i, p}
	}
	sort.Slice(best, func(i, j int) bool { return best[i].p > best[j].p })
	if *top > len(best) {
		*top = len(best)
	}
	for _, s := range best[:*top] {
		fmt.Printf("policy[%d] = %+.5f\n", s.idx, s.p)
	}
}

func runBench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	model := fs.String("model", "", "path to LC0J weight file")
	n := fs.Int("n", 100, "number of evaluations")
	dbDir := fs.String("db", "", "manifest db directory (optional, records the run)")
	fs.Parse(args)
	if *model == "" {
		log.Fatal("bench: -model is required")
	}

	h := lc0go.Create(*model)
	if h == 0 {
		log.Fatalf("failed to load %s", *model)
	}
	defer lc0go.Destroy(h)

	info, _ := lc0go.GetInfo(h)
	encoded := make([]float32, info[0]*64)
	policy := make([]float32, info[5])
	wdl := make([]float32, 3)

	start := time.Now()
	for i := 0; i < *n; i++ {
		lc0go.Predict(h, encoded, policy, wdl)
	}
	elapsed := time.Since(start)
	fmt.Printf("%d evals in %v (%.1f evals/s)\n", *n, elapsed, float64(*n)/elapsed.Seconds())

	if *dbDir != "" {
		if err := recordBench(*dbDir, *model, info, *n, elapsed); err != nil {
			log.Printf("Warning: bench not recorded: %v", err)
		}
	}
}

func recordBench(dbDir, model string, info [7]int64, evals int, elapsed time.Duration) error {
	digest, err := store.FileDigest(model)
	if err != nil {
		return err
	}
	st, err := store.Open(dbDir)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.PutModel(store.Entry{
		Path:       model,
		Digest:     digest,
		InputC:     int(info[0]),
		TrunkC:     int(info[1]),
		Blocks:     int(info[2]),
		PolicyC:    int(info[3]),
		ValueC:     int(info[4]),
		PolicySize: int(info[5]),
		ParamCount: info[6],
	}); err != nil {
		return err
	}
	return st.RecordBench(store.BenchResult{Digest: digest, Evals: evals, Elapsed: elapsed})
}

// readFloat32File reads a raw little-endian float32 array.
func readFloat32File(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%s: size %d is not a multiple of 4", path, len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
