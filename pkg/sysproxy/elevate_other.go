//go:build !darwin

package sysproxy

func newElevatedRunner() Runner {
	return ExecRunner{}
}
