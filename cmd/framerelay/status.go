package main

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

func printProcessInfo() {
	if info, err := host.Info(); err == nil {
		fmt.Printf("host: %s (%s %s)\n", info.Hostname, info.Platform, info.PlatformVersion)
	}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	if mem, err := p.MemoryInfo(); err == nil {
		fmt.Printf("process: pid=%d rss=%.1fMB\n", os.Getpid(), float64(mem.RSS)/1024/1024)
	}
	if ct, err := p.CreateTime(); err == nil {
		fmt.Printf("started: %s ago\n", time.Since(time.UnixMilli(ct)).Round(time.Second))
	}
}
