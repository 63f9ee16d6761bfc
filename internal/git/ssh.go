package git

// SSHCommandEnv is the environment variable through which git picks up the
// SSH invocation it uses for ssh:// and scp-like remotes.
const SSHCommandEnv = "GIT_SSH_COMMAND"

// BuildSSHInvocation builds a command line to invoke SSH with an explicit
// host key checking policy, so that the behaviour of unattended nodes never
// depends on their local SSH defaults.
func BuildSSHInvocation(strictHostKeyChecking bool) string {
	policy := "no"
	if strictHostKeyChecking {
		policy = "yes"
	}

	return "ssh -o StrictHostKeyChecking=" + policy
}

// SSHEnv returns the environment variables forcing the given host key
// checking policy on every git invocation.
func SSHEnv(strictHostKeyChecking bool) map[string]string {
	return map[string]string{
		SSHCommandEnv: BuildSSHInvocation(strictHostKeyChecking),
	}
}
