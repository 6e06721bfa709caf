//go:build !linux

package host

func processRSS() (uint64, bool) { return 0, false }
