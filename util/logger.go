package util

import (
	"fmt"
	"log"
	"os"

	"github.com/klauspost/cpuid/v2"
)

var Logger *log.Logger = log.New(os.Stderr, "spit: ", log.LstdFlags)

func InitLogger(tag string) {
	Logger = log.New(os.Stderr, fmt.Sprintf("spit[%s]: ", tag), log.LstdFlags|log.Lmsgprefix)
}

// LogHost records what the CPU offers, since libtorch picks kernels from it.
func LogHost() {
	Logger.Printf("CPU: %s, %d physical cores, %d threads, AVX2=%v AVX512F=%v",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.AVX512F))
}
