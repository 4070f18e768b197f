package main

import (
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// profile starts a cpu profile if cpupath is set. The returned function stops it
// and writes a heap profile if mempath is set.
func profile(cpupath, mempath string) func() {
	var cpuf *os.File
	if cpupath != "" {
		f, err := os.Create(cpupath)
		xcheckf(err, "creating cpu profile")
		err = pprof.StartCPUProfile(f)
		xcheckf(err, "start cpu profile")
		cpuf = f
	}
	return func() {
		if cpuf != nil {
			pprof.StopCPUProfile()
			if err := cpuf.Close(); err != nil {
				log.Printf("closing cpu profile: %v", err)
			}
		}
		if mempath == "" {
			return
		}
		f, err := os.Create(mempath)
		xcheckf(err, "creating memory profile")
		defer func() {
			if err := f.Close(); err != nil {
				log.Printf("closing memory profile: %v", err)
			}
		}()
		runtime.GC() // For up-to-date statistics.
		err = pprof.WriteHeapProfile(f)
		xcheckf(err, "writing memory profile")
	}
}

func traceExecution(path string) func() {
	f, err := os.Create(path)
	xcheckf(err, "create trace file")
	err = trace.Start(f)
	xcheckf(err, "start trace")
	return func() {
		trace.Stop()
		err := f.Close()
		xcheckf(err, "close trace file")
	}
}
