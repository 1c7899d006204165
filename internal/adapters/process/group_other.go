//go:build !unix

package process

import (
	"os"
	"os/exec"
)

// Without process groups only the direct child is killed on timeout.
func configureGroup(cmd *exec.Cmd) {}

func killGroup(pid int) {}

func signalName(state *os.ProcessState) string {
	return ""
}
