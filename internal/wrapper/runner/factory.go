package runner

func init() {
	Register(factoryRunner{})
}

// factoryRunner drives the Factory Droid CLI (droid exec). The CLI has no
// resume flag, so the argv never carries the session id; the wrapper still
// creates and stores one for the worker.
type factoryRunner struct{}

func (factoryRunner) Name() string { return "factory" }

func (factoryRunner) ManagesOwnSession() bool { return false }

func (factoryRunner) BuildArgv(prompt, _ string) []string {
	return []string{"droid", "exec", "-o", "json", prompt}
}

func (factoryRunner) ExtractSessionID(string) string { return "" }
