package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/akamensky/argparse"

	"github.com/brahma-adshonor/detour"
	"github.com/brahma-adshonor/detour/internal/arch"
	"github.com/brahma-adshonor/detour/internal/logger"
	"github.com/brahma-adshonor/detour/internal/symbols"
)

const src = "detourinfo"

var lg = logger.Common

func main() {
	parser := argparse.NewParser(src, "print how a function prologue would be patched")
	hexCode := parser.String("x", "hex", &argparse.Options{Help: "prologue bytes in hex"})
	file := parser.String("f", "file", &argparse.Options{Help: "read the prologue from a raw file"})
	offset := parser.Int("o", "offset", &argparse.Options{Help: "offset of the prologue in the file"})
	elfPath := parser.String("e", "elf", &argparse.Options{Help: "ELF executable that contains the symbol"})
	symbol := parser.String("s", "symbol", &argparse.Options{Help: "function symbol in the ELF executable"})
	mode := parser.Selector("m", "mode", []string{"32", "64"}, &argparse.Options{
		Default: "64", Help: "decoding mode",
	})
	need := parser.Int("n", "need", &argparse.Options{Default: 5, Help: "bytes the patch overwrites"})
	pcStr := parser.String("p", "pc", &argparse.Options{Default: "0x401000", Help: "address of the prologue"})
	to := parser.String("t", "to", &argparse.Options{Default: "0x500000", Help: "address of the trampoline"})
	cfgPath := parser.String("c", "config", &argparse.Options{Help: "config file, read_size is used"})
	level := parser.String("l", "log-level", &argparse.Options{Default: "info", Help: "logger level"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	lv, err := logger.Parse(*level)
	checkError(err)
	lg = logger.NewLeveled(lv, logger.New(os.Stderr))

	cfg := detour.DefaultConfig()
	if *cfgPath != "" {
		cfg, err = detour.LoadConfig(*cfgPath)
		checkError(err)
	}
	m, _ := strconv.Atoi(*mode)
	pc, err := parseAddress(*pcStr)
	checkError(err)
	trampoline, err := parseAddress(*to)
	checkError(err)

	var code []byte
	switch {
	case *hexCode != "":
		code, err = hex.DecodeString(strings.Join(strings.Fields(*hexCode), ""))
	case *file != "":
		code, err = readFile(*file, *offset, cfg.ReadSize)
	case *symbol != "":
		code, pc, err = readSymbol(*elfPath, *symbol, cfg.ReadSize)
	default:
		err = fmt.Errorf("one of --hex, --file and --symbol is required")
	}
	checkError(err)
	if len(code) > cfg.ReadSize {
		code = code[:cfg.ReadSize]
	}
	lg.Printf(logger.Debug, src, "%d bytes at 0x%X in mode %d", len(code), pc, m)

	fmt.Println("prologue:")
	printLines(arch.Disassemble(m, code, pc))

	oracle, err := arch.NewOracle(m)
	checkError(err)
	n, err := oracle.MinimumSafeOverwriteLength(code, *need)
	if err != nil {
		lg.Printf(logger.Error, src, "failed to measure the prologue: %s", err)
		os.Exit(1)
	}
	fmt.Printf("\nsafe overwrite length for %d bytes: %d\n", *need, n)

	relocated, err := arch.Relocate(m, code[:n], pc, trampoline)
	if err != nil {
		lg.Printf(logger.Warning, src, "prologue can not be relocated, the original is called in place: %s", err)
		return
	}
	asm, err := arch.NewAssembler(m)
	checkError(err)
	tail, err := asm.Emit(trampoline+uintptr(len(relocated)), []arch.Inst{arch.Jump(pc + uintptr(n))})
	checkError(err)
	fmt.Println("\ntrampoline:")
	printLines(arch.Disassemble(m, append(relocated, tail...), trampoline))
}

func checkError(err error) {
	if err != nil {
		lg.Println(logger.Fatal, src, err)
		os.Exit(1)
	}
}

func parseAddress(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uintptr(v), nil
}

func readFile(path string, offset, size int) ([]byte, error) {
	data, err := ioutil.ReadFile(path) // #nosec
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset >= len(data) {
		return nil, fmt.Errorf("offset %d is out of %d bytes", offset, len(data))
	}
	data = data[offset:]
	if len(data) > size {
		data = data[:size]
	}
	return data, nil
}

func readSymbol(path, name string, size int) ([]byte, uintptr, error) {
	var (
		table *symbols.Table
		err   error
	)
	if path == "" {
		table, err = symbols.Executable()
	} else {
		table, err = symbols.Open(path)
	}
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = table.Close() }()
	addr, code, err := table.Code(name)
	if err != nil {
		return nil, 0, err
	}
	if len(code) > size {
		code = code[:size]
	}
	return code, uintptr(addr), nil
}

func printLines(lines []arch.Line) {
	for _, line := range lines {
		fmt.Printf("  0x%08X  %-24X %s\n", line.Addr, line.Bytes, line.Text)
	}
}
