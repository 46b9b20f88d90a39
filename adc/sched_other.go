//go:build !linux

package adc

import "github.com/pkg/errors"

func realtime(cpu int) error {
	return errors.New("realtime sampling needs linux")
}
