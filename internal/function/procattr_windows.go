//go:build windows

package function

import "os/exec"

func configureProcAttrs(cmd *exec.Cmd) {}
