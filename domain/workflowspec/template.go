package workflowspec

import (
	"fmt"
	"regexp"
	"strings"

	svcerrors "github.com/governedrun/workflowcore/infrastructure/errors"
)

// templateRef matches a single {{step_name.output_key}} reference. Names
// are restricted to the same charset step/output names use elsewhere, kept
// deliberately simple: no arithmetic, no conditionals, no nesting.
var templateRef = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\.([A-Za-z0-9_.-]+)\s*\}\}`)

// ResolveInputs substitutes every {{step_name.output_key}} reference found
// in string-valued entries of inputs against outputs (keyed by
// "step_name.output_key", per workflowtypes.OutputKey). Non-string values
// pass through unchanged. Resolution is purely syntactic: an entire
// string value that is exactly one template reference resolves to the
// referenced value's own type (so a template can produce a non-string
// output); a reference embedded in a larger string resolves to its
// stringified form.
//
// Returns a TemplateResolutionError (via infrastructure/errors) naming the
// first unresolved reference found, for the given stepName.
func ResolveInputs(stepName string, inputs map[string]any, outputs map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(inputs))
	for key, value := range inputs {
		str, ok := value.(string)
		if !ok {
			resolved[key] = value
			continue
		}

		if loc := templateRef.FindStringSubmatchIndex(str); loc != nil && loc[0] == 0 && loc[1] == len(str) {
			match := templateRef.FindStringSubmatch(str)
			outputKey := match[1] + "." + match[2]
			val, found := outputs[outputKey]
			if !found {
				return nil, templateResolutionError(stepName, str)
			}
			resolved[key] = val
			continue
		}

		substituted, err := substituteAll(stepName, str, outputs)
		if err != nil {
			return nil, err
		}
		resolved[key] = substituted
	}
	return resolved, nil
}

func substituteAll(stepName, str string, outputs map[string]any) (string, error) {
	var resolveErr error
	result := templateRef.ReplaceAllStringFunc(str, func(ref string) string {
		match := templateRef.FindStringSubmatch(ref)
		outputKey := match[1] + "." + match[2]
		val, found := outputs[outputKey]
		if !found {
			resolveErr = templateResolutionError(stepName, ref)
			return ref
		}
		return fmt.Sprint(val)
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

func templateResolutionError(stepName, reference string) error {
	return svcerrors.TemplateResolution(stepName, reference)
}

// HasTemplateReference reports whether s contains at least one
// {{step.output}} reference, used by handlers that want to reject literal
// unresolved-looking input defensively.
func HasTemplateReference(s string) bool {
	return strings.Contains(s, "{{") && templateRef.MatchString(s)
}
