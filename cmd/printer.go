package cmd

import (
	"fmt"
	"io"
	"os"
)

// Printer writes user-facing CLI output.
var Printer = &CLIPrinter{out: os.Stdout}

// CLIPrinter prints to a fixed writer unless a call names its own.
type CLIPrinter struct {
	out io.Writer
}

func (p *CLIPrinter) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *CLIPrinter) Println(args ...any) {
	fmt.Fprintln(p.out, args...)
}

func (p *CLIPrinter) Fprintf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

func (p *CLIPrinter) Fprintln(w io.Writer, args ...any) {
	fmt.Fprintln(w, args...)
}
