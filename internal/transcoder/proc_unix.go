//go:build unix

package transcoder

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func killGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// signalGroup signals the whole group so encoder helpers die with ffmpeg.
func signalGroup(pid int, sig syscall.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	if err := unix.Kill(-pgid, sig); err != nil && err != unix.ESRCH {
		return unix.Kill(pid, sig)
	}
	return nil
}
