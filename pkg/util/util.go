package util

import "fmt"

// ValidatePort checks that p is a usable TCP port number.
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", p)
	}
	return nil
}
