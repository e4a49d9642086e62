package boss

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgecrew/foreman/internal/task"
)

// The prompts pin the reply shape to the JSON the model layer decodes.
// Keep field names in sync with the task package tags.

func decompositionPrompt(instruction string) string {
	var b strings.Builder
	b.WriteString("Decompose the following instruction into concrete engineering tasks. ")
	b.WriteString("Reply with a single JSON object of the shape ")
	b.WriteString(`{"tasks": [{"id": string, "title": string, "description": string, "priority": int 0-10, "dependencies": [string]}], "dependencies": {taskId: [taskId]}, "estimatedDuration": string, "complexity": "low"|"medium"|"high"}. `)
	b.WriteString("Dependencies must form a DAG and only reference ids inside the reply. Instruction: ")
	b.WriteString(instruction)
	return b.String()
}

func reviewPrompt(wr task.WorkResult) string {
	summary := struct {
		TaskID      string            `json:"taskId"`
		AgentID     string            `json:"agentId"`
		CodeChanges []task.CodeChange `json:"codeChanges"`
		TestResults *task.TestResult  `json:"testResults,omitempty"`
	}{wr.TaskID, wr.AgentID, wr.CodeChanges, wr.TestResults}
	payload, _ := json.Marshal(summary)

	var b strings.Builder
	b.WriteString("Review the following completed work for correctness, test coverage, and code quality. ")
	b.WriteString("Reply with a single JSON object of the shape ")
	b.WriteString(`{"approved": bool, "feedback": string, "suggestions": [string], "issues": [string], "score": int 0-100, "codeQuality": string, "recommendations": [string]}. `)
	b.WriteString("Work result: ")
	b.Write(payload)
	return b.String()
}

func integrationPrompt(projectPath string, kind IntegrationKind) string {
	return fmt.Sprintf("Run the %s integration test suite for the project at %q. "+
		`Reply with a single JSON object of the shape {"testType": "integration", "passed": bool, "totalTests": int, "passedTests": int, "failedTests": int, "executionTime": number, "coverage": number 0-100, "performanceMetrics": {string: number}, "details": [{"name": string, "passed": bool, "duration": number, "error": string}]}.`,
		kind, projectPath)
}

func browserPrompt(projectPath string, scenarios []string) string {
	return fmt.Sprintf("Run these browser test scenarios for the project at %q: %s. "+
		`Reply with a single JSON object shaped like an integration test result and additionally populate "browserTestResults": [{"scenario": string, "passed": bool, "duration": number, "error": string}].`,
		projectPath, strings.Join(scenarios, "; "))
}
