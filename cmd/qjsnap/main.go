// qjsnap - snapshot tool for serialized object graphs
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/yonasBSD/quickjs-ng/config"
	"github.com/yonasBSD/quickjs-ng/store"
	"github.com/yonasBSD/quickjs-ng/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	storePath := flag.String("store", "", "Snapshot database path (overrides qjs.toml)")
	label := flag.String("label", "", "Snapshot label (used with save)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: qjsnap [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Stores and restores object graph snapshots.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  save <file.json>   Encode a JSON document and store it\n")
		fmt.Fprintf(os.Stderr, "  load <id>          Decode a snapshot and print it as JSON\n")
		fmt.Fprintf(os.Stderr, "  list               List stored snapshots\n")
		fmt.Fprintf(os.Stderr, "  delete <id>        Remove a snapshot\n")
		fmt.Fprintf(os.Stderr, "  gc-stats <file.json>  Encode, decode and report heap statistics\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	log := commonlog.GetLogger("qjsnap")

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		cfg = &config.Config{Dir: "."}
		cfg.Snapshot.Store = "snapshots.db"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	dbPath := cfg.StorePath()
	if *storePath != "" {
		dbPath = *storePath
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	rt := vm.NewRuntime()
	defer rt.Close()
	cfg.Apply(rt)
	ctx := rt.NewContext()
	defer ctx.Free()

	if *verbose {
		rt.SetGCObserver(func(s vm.GCStats) {
			log.Infof("gc pass: %d live, %d collected, %d heap bytes",
				s.LiveObjects, s.CollectedObjects, s.HeapBytes)
		})
	}

	switch args[0] {
	case "save":
		err = cmdSave(ctx, st, cfg, args[1:], *label)
	case "load":
		err = cmdLoad(ctx, st, args[1:])
	case "list":
		err = cmdList(st)
	case "delete":
		err = cmdDelete(st, args[1:])
	case "gc-stats":
		err = cmdGCStats(ctx, rt, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdSave(ctx *vm.Context, st *store.Store, cfg *config.Config, args []string, label string) error {
	if len(args) != 1 {
		return fmt.Errorf("save requires exactly one JSON file argument")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}

	v, err := valueFromGo(ctx, doc)
	if err != nil {
		return err
	}
	defer ctx.Runtime().FreeValue(v)

	stream, sab, err := ctx.WriteObject(v, cfg.WriteFlags())
	if err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}

	id, err := st.Save(stream, store.Metadata{
		Label:         label,
		FormatVersion: vm.ImageVersion,
		SABHandles:    sab,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func cmdLoad(ctx *vm.Context, st *store.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("load requires exactly one snapshot id")
	}
	snap, err := st.Load(args[0])
	if err != nil {
		return err
	}
	v, err := ctx.ReadObject(snap.Data, vm.ReadAllowBytecode|vm.ReadAllowReference)
	if err != nil {
		return fmt.Errorf("decoding snapshot %s: %w", snap.ID, err)
	}
	defer ctx.Runtime().FreeValue(v)

	doc, err := valueToGo(ctx, v)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdList(st *store.Store) error {
	snaps, err := st.List()
	if err != nil {
		return err
	}
	for _, s := range snaps {
		label := s.Meta.Label
		if label == "" {
			label = "-"
		}
		fmt.Printf("%s  %s  %8d bytes  %s\n",
			s.ID, s.Meta.CreatedAt.Format("2006-01-02 15:04:05"), s.Meta.ByteSize, label)
	}
	return nil
}

func cmdDelete(st *store.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("delete requires exactly one snapshot id")
	}
	return st.Delete(args[0])
}

func cmdGCStats(ctx *vm.Context, rt *vm.Runtime, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("gc-stats requires exactly one JSON file argument")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", args[0], err)
	}
	v, err := valueFromGo(ctx, doc)
	if err != nil {
		return err
	}
	rt.FreeValue(v)
	rt.RunGC()

	u := rt.MemoryUsage()
	fmt.Printf("objects:  %d\n", u.ObjectCount)
	fmt.Printf("strings:  %d\n", u.StringCount)
	fmt.Printf("symbols:  %d\n", u.SymbolCount)
	fmt.Printf("atoms:    %d\n", u.AtomCount)
	fmt.Printf("shapes:   %d\n", u.ShapeCount)
	fmt.Printf("bytes:    %d\n", u.MemoryBytes)
	return nil
}
