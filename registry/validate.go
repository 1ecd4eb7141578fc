package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"text/template"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// ValidationError reports every reason a task failed validation; the
// contract requires evaluating all five checks rather than short-circuiting
// on the first failure, so a task author sees the full list in one pass.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 1 {
		return fmt.Sprintf("task validation failed: %s", e.Reasons[0])
	}
	return fmt.Sprintf("task validation failed with %d reasons: %v", len(e.Reasons), e.Reasons)
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate runs the full validation contract against a candidate task:
// schema parseability, source syntax, name slug shape, semver version,
// and (when test cases are declared) each test input against the input
// schema. Returns nil on success, or *ValidationError listing every
// failure found.
func Validate(t *Task) error {
	var reasons []string

	inputSchema, inputErr := compileSchema(t.InputSchema)
	if inputErr != nil {
		reasons = append(reasons, fmt.Sprintf("input_schema: %s", inputErr))
	}
	if _, err := compileSchema(t.OutputSchema); err != nil {
		reasons = append(reasons, fmt.Sprintf("output_schema: %s", err))
	}

	if err := checkSourceSyntax(t.SourceKind, t.SourceCode); err != nil {
		reasons = append(reasons, fmt.Sprintf("source_code: %s", err))
	}

	if !slugPattern.MatchString(t.Name) {
		reasons = append(reasons, fmt.Sprintf("name %q is not a valid slug", t.Name))
	}

	if _, err := semver.NewVersion(t.Version); err != nil {
		reasons = append(reasons, fmt.Sprintf("version %q does not parse as semver: %s", t.Version, err))
	}

	if inputErr == nil {
		for _, tc := range t.TestCases {
			if err := validateInstance(inputSchema, tc.Input); err != nil {
				reasons = append(reasons, fmt.Sprintf("test case %q: input does not match input_schema: %s", tc.Name, err))
			}
		}
	}

	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// ValidateInput checks input against t's input_schema, the check the
// coordinator runs on submit_job before a job is ever enqueued (spec.md
// §6.1 "InputSchemaViolation"). Distinct from Validate: this only
// exercises the input_schema compile+instance path, not the full task
// validation contract.
func ValidateInput(t *Task, input any) error {
	schema, err := compileSchema(t.InputSchema)
	if err != nil {
		return fmt.Errorf("input_schema does not compile: %w", err)
	}
	return validateInstance(schema, input)
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}

	unmarshaled, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const resourceName = "task-schema.json"
	if err := c.AddResource(resourceName, unmarshaled); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validateInstance(schema *jsonschema.Schema, input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal test input: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse test input: %w", err)
	}
	return schema.Validate(instance)
}

// checkSourceSyntax runs a syntactic (not semantic) parse of source
// against the grammar matching sourceKind, rejecting source that parse
// flags as malformed. "template"/"scripted" is this system's only real
// source_kind — cmd/worker evaluates every task body as a text/template
// (see cmd/worker/main.go's runTask) — so it gets a real text/template
// parse rather than a grammar that doesn't describe what the worker
// actually executes. The tree-sitter grammars are kept for the
// JS/Python source kinds the worker protocol allows for but this
// reference worker doesn't implement.
func checkSourceSyntax(sourceKind, sourceCode string) error {
	switch sourceKind {
	case "", "scripted", "template":
		if _, err := template.New("source").Parse(sourceCode); err != nil {
			return fmt.Errorf("parse template source: %w", err)
		}
		return nil
	case "javascript", "js":
		return checkTreeSitterSyntax(javascript.GetLanguage(), sourceCode)
	case "python", "py":
		return checkTreeSitterSyntax(python.GetLanguage(), sourceCode)
	default:
		return fmt.Errorf("unknown source_kind %q", sourceKind)
	}
}

func checkTreeSitterSyntax(lang *sitter.Language, sourceCode string) error {
	p := sitter.NewParser()
	p.SetLanguage(lang)

	tree, err := p.ParseCtx(context.Background(), nil, []byte(sourceCode))
	if err != nil {
		return fmt.Errorf("parse source: %w", err)
	}
	defer tree.Close()

	if tree.RootNode().HasError() {
		return fmt.Errorf("source does not parse cleanly (syntax error)")
	}
	return nil
}
