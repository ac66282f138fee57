// Package profile defines language and task profiles used by the sandbox.
package profile

// Report formats understood by the test report parsers.
const (
	ReportJUnit = "junit"
	ReportJSON  = "json"
)

// LanguageSpec defines how to compile, run and test a language.
type LanguageSpec struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	SourceFile string `yaml:"sourceFile"`
	BinaryFile string `yaml:"binaryFile"`

	CompileEnabled bool   `yaml:"compileEnabled"`
	CompileCmdTpl  string `yaml:"compileCmd"`
	RunCmdTpl      string `yaml:"runCmd"`
	// TestCmdTpl replaces RunCmdTpl when the request carries tests.
	TestCmdTpl string `yaml:"testCmd"`
	// LintCmdTpl checks syntax only; empty falls back to CompileCmdTpl.
	LintCmdTpl string `yaml:"lintCmd"`

	// ReportFormat is "junit" or "json".
	ReportFormat string `yaml:"reportFormat"`
	// ReportFile is relative to the workspace; empty means the report is stdout.
	ReportFile string `yaml:"reportFile"`

	Env              []string `yaml:"env"`
	TimeMultiplier   float64  `yaml:"timeMultiplier"`
	MemoryMultiplier float64  `yaml:"memoryMultiplier"`
}
