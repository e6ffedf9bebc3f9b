// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"os"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Memory is a point-in-time sample of process and system memory, reported
// through GET /status.
type Memory struct {
	RSS             uint64  `json:"rss"`
	VMS             uint64  `json:"vms"`
	Percent         float64 `json:"percent"`
	SystemTotal     uint64  `json:"system_total"`
	SystemAvailable uint64  `json:"system_available"`
}

func sampleMemory() Memory {
	var m Memory
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			m.RSS = info.RSS
			m.VMS = info.VMS
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			m.Percent = float64(pct)
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		m.SystemTotal = vm.Total
		m.SystemAvailable = vm.Available
	}
	return m
}
