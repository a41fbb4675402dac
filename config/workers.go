package config

import "runtime"

func defaultWorkers() int {
	return runtime.NumCPU()
}
