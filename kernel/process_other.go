//go:build !unix

package kernel

import "os/exec"

func killGroupOnCancel(cmd *exec.Cmd) {}
