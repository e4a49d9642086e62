package task

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
)

// ValidationError rejects a value at a model boundary. Field is a
// positional path into the offending value, e.g. "tasks[3].priority".
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json tag names so error paths match the wire format.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// validateStruct runs the tag rules and converts the first failure
// into a ValidationError rooted at prefix.
func validateStruct(value any, prefix string) error {
	err := validate.Struct(value)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return &ValidationError{Field: prefix, Message: err.Error()}
	}

	fe := errs[0]
	return &ValidationError{
		Field:   joinPath(prefix, fieldPath(fe)),
		Message: messageFor(fe),
	}
}

// fieldPath strips the root struct name from a validator namespace:
// "Task.dependencies[0]" becomes "dependencies[0]".
func fieldPath(fe validator.FieldError) string {
	path := fe.Namespace()
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		path = path[idx+1:]
	}
	// Untagged embedded structs leak their type name into the path.
	path = strings.TrimPrefix(path, "TestResult.")
	return path
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	if field == "" {
		return prefix
	}
	return prefix + "." + field
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank", "required":
		return "must not be empty"
	case "min":
		return "must have at least " + fe.Param() + " elements"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}

// ValidateTask checks a single task against the model rules.
func ValidateTask(t Task) error {
	return validateStruct(t, "")
}

// ValidateTasks checks a slice element-wise with positional paths.
func ValidateTasks(tasks []Task) error {
	for i, t := range tasks {
		if err := validateStruct(t, fmt.Sprintf("tasks[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCodeChanges checks worker file changes element-wise.
func ValidateCodeChanges(changes []CodeChange) error {
	for i, c := range changes {
		if err := validateStruct(c, fmt.Sprintf("codeChanges[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTestResult checks the tag rules plus the aggregate
// consistency rules that tags cannot express.
func ValidateTestResult(tr TestResult) error {
	if err := validateStruct(tr, "testResults"); err != nil {
		return err
	}
	return checkTestCounters(tr, "testResults")
}

func checkTestCounters(tr TestResult, prefix string) error {
	if tr.PassedTests+tr.FailedTests > tr.TotalTests {
		return &ValidationError{
			Field:   joinPath(prefix, "totalTests"),
			Message: "passed + failed exceeds total",
		}
	}
	consistent := tr.Passed == (tr.FailedTests == 0 && tr.TotalTests == tr.PassedTests)
	if !consistent {
		return &ValidationError{
			Field:   joinPath(prefix, "passed"),
			Message: "inconsistent with test counters",
		}
	}
	return nil
}

// ValidateWorkResult checks a submitted result, including its changes
// and embedded test run.
func ValidateWorkResult(wr WorkResult) error {
	if err := validateStruct(wr, ""); err != nil {
		return err
	}
	if wr.CompletionTime.IsZero() {
		return &ValidationError{Field: "completionTime", Message: "must be set"}
	}
	if err := ValidateCodeChanges(wr.CodeChanges); err != nil {
		return err
	}
	if wr.TestResults != nil {
		return ValidateTestResult(*wr.TestResults)
	}
	return nil
}

// ValidateDecomposition checks a decomposition answer: each task, and
// that every dependency edge names a task in the set.
func ValidateDecomposition(dr DecompositionResult) error {
	if len(dr.Tasks) == 0 {
		return &ValidationError{Field: "tasks", Message: "must not be empty"}
	}
	if err := validateStruct(dr, ""); err != nil {
		return err
	}
	if err := ValidateTasks(dr.Tasks); err != nil {
		return err
	}

	known := make(map[string]bool, len(dr.Tasks))
	for _, t := range dr.Tasks {
		known[t.ID] = true
	}
	for i, t := range dr.Tasks {
		for j, dep := range t.Dependencies {
			if !known[dep] {
				return &ValidationError{
					Field:   fmt.Sprintf("tasks[%d].dependencies[%d]", i, j),
					Message: fmt.Sprintf("references unknown task %q", dep),
				}
			}
		}
	}
	for id, deps := range dr.Dependencies {
		if !known[id] {
			return &ValidationError{
				Field:   "dependencies",
				Message: fmt.Sprintf("references unknown task %q", id),
			}
		}
		for _, dep := range deps {
			if !known[dep] {
				return &ValidationError{
					Field:   "dependencies." + id,
					Message: fmt.Sprintf("references unknown task %q", dep),
				}
			}
		}
	}
	return nil
}

// ValidateReview checks a structured review answer.
func ValidateReview(rr ReviewResult) error {
	return validateStruct(rr, "review")
}

// ValidateIntegrationResult checks an integration run, including the
// embedded aggregate rules.
func ValidateIntegrationResult(ir IntegrationTestResult) error {
	if err := validateStruct(ir, "integration"); err != nil {
		return err
	}
	return checkTestCounters(ir.TestResult, "integration")
}
