//go:build !linux && !darwin

package fetchq

func freeBytes(string) (int64, error) { return 0, errStatUnsupported }
