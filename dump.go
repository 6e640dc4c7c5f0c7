package main

import (
	"bufio"
	"fmt"

	"moria.us/relo/reloc"
)

const indentLevel = "  "

const hexDigits = "0123456789abcdef"

func writeInt0(w *bufio.Writer, v uint64, sz uint) {
	for i := uint(sz * 2); i > 0; i-- {
		w.WriteByte(hexDigits[(v>>((i-1)*4))&15])
	}
}

func writeInt(w *bufio.Writer, v uint64, sz uint) {
	w.WriteString("0x")
	writeInt0(w, v, sz)
}

type field struct {
	name string
	data interface{}
	hint string
}

func dumpFields(w *bufio.Writer, prefix string, fields []field) {
	var maxName int
	for _, f := range fields {
		if len(f.name) > maxName {
			maxName = len(f.name)
		}
	}
	for _, f := range fields {
		w.WriteString(prefix)
		w.WriteString(f.name)
		w.WriteByte(':')
		for i := len(f.name); i < maxName+2; i++ {
			w.WriteByte(' ')
		}
		switch v := f.data.(type) {
		case string:
			w.WriteString(v)
		case int:
			fmt.Fprintf(w, "%d", v)
		case uint64:
			writeInt(w, v, 8)
		case uint32:
			writeInt(w, uint64(v), 4)
		default:
			panic("unknown field type for " + f.name)
		}
		if f.hint != "" {
			w.WriteString("  ")
			w.WriteString(f.hint)
		}
		w.WriteByte('\n')
	}
}

func writeRecord(w *bufio.Writer, rec *reloc.Relocation) {
	writeInt(w, rec.Addr, 8)
	w.WriteByte(' ')
	fmt.Fprintf(w, "%-28s", rec.Kind.String())
	if rec.HasAddend {
		if rec.Addend >= 0 {
			fmt.Fprintf(w, " +0x%x", rec.Addend)
		} else {
			fmt.Fprintf(w, " -0x%x", -rec.Addend)
		}
	}
	switch {
	case rec.ResolvedBy != nil:
		fmt.Fprintf(w, " -> %s (%s", refName(rec), rec.ResolvedBy.Owner.Name)
		writeInt(w, rec.ResolvedBy.Mapped(), 8)
		w.WriteString(")")
	case rec.Ref.Name != "" || rec.Ref.Ordinal != 0:
		fmt.Fprintf(w, " -> %s (unresolved)", refName(rec))
	}
	w.WriteByte('\n')
}

// dumpSession writes a text listing of every loaded object and its
// relocation records to the writer.
func dumpSession(w *bufio.Writer, s *session) {
	byOwner := make(map[string][]*reloc.Relocation)
	for _, rec := range s.records {
		byOwner[rec.Owner.Name] = append(byOwner[rec.Owner.Name], rec)
	}
	for _, obj := range s.objects {
		w.WriteString("Object ")
		w.WriteString(obj.Name)
		w.WriteString(":\n")
		fields := []field{
			{"Linked Base", obj.LinkedBase, ""},
			{"Mapped Base", obj.MappedBase, ""},
			{"Image Size", obj.Mem.Size(), ""},
			{"Pointer Size", obj.PtrSize, ""},
		}
		if obj.TLSUsed {
			fields = append(fields,
				field{"TLS Module", obj.TLSModuleID, ""},
				field{"TLS Block Size", obj.TLSBlockSize, ""})
		}
		dumpFields(w, indentLevel, fields)
		recs := byOwner[obj.Name]
		if len(recs) != 0 {
			w.WriteString(indentLevel)
			w.WriteString("Relocations:\n")
			for _, rec := range recs {
				w.WriteString(indentLevel)
				w.WriteString(indentLevel)
				writeRecord(w, rec)
			}
		}
		w.WriteByte('\n')
	}
}
