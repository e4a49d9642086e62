package task

import "time"

// ChangeAction is the kind of filesystem change a worker produced.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// CodeChange is one file-level change in a WorkResult. Content carries
// the full file for create/update; Diff is an optional unified diff.
type CodeChange struct {
	FilePath string       `json:"filePath" validate:"notblank"`
	Action   ChangeAction `json:"action" validate:"oneof=create update delete"`
	Content  string       `json:"content,omitempty"`
	Diff     string       `json:"diff,omitempty"`
}

// TestType distinguishes the two test layers workers and the boss run.
type TestType string

const (
	TestUnit        TestType = "unit"
	TestIntegration TestType = "integration"
)

// TestDetail is one named test outcome. Duration is milliseconds as
// reported by the child.
type TestDetail struct {
	Name     string  `json:"name" validate:"notblank"`
	Passed   bool    `json:"passed"`
	Duration float64 `json:"duration" validate:"gte=0"`
	Error    string  `json:"error,omitempty"`
}

// TestResult aggregates one test run. The aggregate counters are the
// source of truth; Details are informational and not cross-checked.
type TestResult struct {
	TestType      TestType     `json:"testType" validate:"oneof=unit integration"`
	Passed        bool         `json:"passed"`
	TotalTests    int          `json:"totalTests" validate:"gte=0"`
	PassedTests   int          `json:"passedTests" validate:"gte=0"`
	FailedTests   int          `json:"failedTests" validate:"gte=0"`
	ExecutionTime float64      `json:"executionTime" validate:"gte=0"`
	Details       []TestDetail `json:"details,omitempty"`
}

// WorkResult is the output of one task execution, submitted by a
// worker and reviewed by the boss.
type WorkResult struct {
	TaskID         string       `json:"taskId" validate:"notblank"`
	AgentID        string       `json:"agentId" validate:"notblank"`
	CompletionTime time.Time    `json:"completionTime"`
	CodeChanges    []CodeChange `json:"codeChanges"`
	TestResults    *TestResult  `json:"testResults,omitempty"`
}

// DecompositionResult is the structured answer to an instruction
// decomposition prompt.
type DecompositionResult struct {
	Tasks             []Task              `json:"tasks" validate:"min=1"`
	Dependencies      map[string][]string `json:"dependencies,omitempty"`
	EstimatedDuration string              `json:"estimatedDuration,omitempty"`
	Complexity        string              `json:"complexity,omitempty" validate:"omitempty,oneof=low medium high"`
}

// ReviewResult is the boss's structured judgement of a WorkResult.
type ReviewResult struct {
	Approved        bool     `json:"approved"`
	Feedback        string   `json:"feedback"`
	Suggestions     []string `json:"suggestions,omitempty"`
	Issues          []string `json:"issues,omitempty"`
	Score           int      `json:"score" validate:"gte=0,lte=100"`
	CodeQuality     string   `json:"codeQuality,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// BrowserTestResult is one browser scenario outcome inside an
// integration run.
type BrowserTestResult struct {
	Scenario string  `json:"scenario" validate:"notblank"`
	Passed   bool    `json:"passed"`
	Duration float64 `json:"duration" validate:"gte=0"`
	Error    string  `json:"error,omitempty"`
}

// IntegrationTestResult extends TestResult with coverage and the
// optional performance and browser layers.
type IntegrationTestResult struct {
	TestResult
	Coverage           float64             `json:"coverage" validate:"gte=0,lte=100"`
	PerformanceMetrics map[string]float64  `json:"performanceMetrics,omitempty"`
	BrowserTestResults []BrowserTestResult `json:"browserTestResults,omitempty"`
}
