//go:build !unix

package process

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no group semantics here; both steps kill the child.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	return cmd.Process.Kill()
}
