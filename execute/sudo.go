package execute

import (
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// sudoAdapter re-executes the command under another identity. The observed
// exit status then belongs to sudo, not the target; entities.ExitStatus
// carries the re-decoding.
type sudoAdapter struct {
	binary string
	user   string
	log    *logrus.Entry
}

// newSudoAdapter probes the elevation mechanism once, at executor
// construction. A misconfigured identity surfaces here as a ConfigError,
// never at run time.
func newSudoAdapter(user string) (*sudoAdapter, error) {
	binary, err := exec.LookPath("sudo")
	if err != nil {
		return nil, configErrorf("Cannot execute under user %q: sudo is not available: %v", user, err)
	}

	adapter := &sudoAdapter{
		binary: binary,
		user:   user,
		log:    logrus.WithField("user", user),
	}

	probe := exec.Command(binary, adapter.baseArgs("/bin/true")...)
	if err := probe.Run(); err != nil {
		return nil, configErrorf("Cannot execute commands under user %q via sudo: %v", user, err)
	}

	return adapter, nil
}

func (s *sudoAdapter) baseArgs(args ...string) []string {
	return append([]string{"--non-interactive", "-u", s.user, "--"}, args...)
}

// Wrap prefixes the command line with the elevation call.
func (s *sudoAdapter) Wrap(args []string) []string {
	return append([]string{s.binary}, s.baseArgs(args...)...)
}

// Signal delivers a signal to the target's process group through sudo, since
// the group runs under another identity. A group that is already gone is
// treated as success.
func (s *sudoAdapter) Signal(pgid int, sig unix.Signal) {
	kill := exec.Command(s.binary, s.baseArgs(
		"kill", fmt.Sprintf("-%d", int(sig)), "--", fmt.Sprintf("-%d", pgid))...)
	if err := kill.Run(); err != nil {
		s.log.WithError(err).Debugf("Failed to deliver signal %d to process group %d", sig, pgid)
	}
}
