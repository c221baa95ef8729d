//go:build windows
// +build windows

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"

	"github.com/brahma-adshonor/detour"
)

func main() {
	proc := windows.NewLazySystemDLL("kernel32.dll").NewProc("GetTickCount")
	err := proc.Find()
	checkError(err)

	p, err := detour.CurrentProcess()
	checkError(err)
	d := detour.NewDetour(p, detour.Signature{Convention: detour.Stdcall})
	handler := detour.HandlerFunc(func(call *detour.Call) uintptr {
		fmt.Printf("GetTickCount called on thread %d\n", call.Thread)
		return 42
	})
	err = d.Hook(proc.Addr(), handler, detour.Inline, detour.HandlerLast, detour.UseHandlerResult)
	checkError(err)
	fmt.Println(d.Dump())

	ret, _, _ := proc.Call()
	fmt.Println("hooked:", ret)
	ret, err = d.Original(windows.GetCurrentThreadId())
	checkError(err)
	fmt.Println("original:", ret)

	err = d.Restore()
	checkError(err)
	ret, _, _ = proc.Call()
	fmt.Println("restored:", ret)
}

func checkError(err error) {
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
