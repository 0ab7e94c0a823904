//go:build !linux

package cgroup

import "errors"

func DetectV2() error {
	return errors.New("cgroup v2 is only available on linux")
}
