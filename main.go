// Relo loads ELF and PE object files, resolves their symbol references
// against each other, and patches their relocation records in place. Files
// are loaded in argument order, which is also the symbol search order.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"

	"moria.us/relo/reloc"
)

func mainE() error {
	var (
		baseFlag string
		workers  int
		dump     bool
	)
	flag.StringVar(&baseFlag, "base", env.Str("RELO_BASE"),
		"Load address (hex) for the first object, empty keeps the linked base")
	flag.IntVar(&workers, "workers", runtime.NumCPU(), "Parallel apply workers")
	flag.BoolVar(&dump, "dump", false, "Dump objects and records after applying")
	flag.Parse()

	level, err := logrus.ParseLevel(env.Str("RELO_LOG_LEVEL", "info"))
	if err != nil {
		return errors.Wrap(err, "RELO_LOG_LEVEL")
	}
	logrus.SetLevel(level)

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("expected at least one input file")
	}
	var base uint64
	if baseFlag != "" {
		base, err = strconv.ParseUint(strings.TrimPrefix(baseFlag, "0x"), 16, 64)
		if err != nil {
			return errors.Wrap(err, "flag -base")
		}
	}

	s := newSession()
	for i, name := range args {
		b := uint64(0)
		if i == 0 {
			b = base
		}
		if _, err := s.load(name, b); err != nil {
			return err
		}
	}

	unresolved, err := reloc.ApplyAll(&s.res, s.objects, s.records, workers)
	if err != nil {
		return err
	}
	for _, rec := range unresolved {
		logrus.Warnf("%s: unresolved %s at 0x%x (%s)",
			rec.Owner.Name, rec.Kind, rec.Addr, refName(rec))
	}
	fmt.Printf("%d objects, %d relocations, %d unresolved\n",
		len(s.objects), len(s.records), len(unresolved))

	if dump {
		w := bufio.NewWriter(os.Stdout)
		dumpSession(w, s)
		return w.Flush()
	}
	return nil
}

func refName(rec *reloc.Relocation) string {
	if rec.Ref.Name != "" {
		return rec.Ref.Name
	}
	if rec.Ref.Ordinal != 0 {
		return "#" + strconv.Itoa(rec.Ref.Ordinal)
	}
	return "<no symbol>"
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
