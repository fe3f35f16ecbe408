package plan

import (
	"strings"
	"testing"
)

func mapLookup(vars map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func TestSubstitute_SetVariableWinsOverDefault(t *testing.T) {
	out, err := Substitute("attempts: ${RETRIES:5}", mapLookup(map[string]string{"RETRIES": "9"}))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out != "attempts: 9" {
		t.Errorf("Expected set variable to win, got %q", out)
	}
}

func TestSubstitute_DefaultUsedWhenUnset(t *testing.T) {
	out, err := Substitute("attempts: ${RETRIES:5}", mapLookup(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out != "attempts: 5" {
		t.Errorf("Expected default 5, got %q", out)
	}
}

func TestSubstitute_EmptyDefaultIsStillADefault(t *testing.T) {
	out, err := Substitute("value: '${OPTIONAL:}'", mapLookup(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out != "value: ''" {
		t.Errorf("Expected empty substitution, got %q", out)
	}
}

func TestSubstitute_UnsetWithoutDefaultFails(t *testing.T) {
	_, err := Substitute("attempts: ${RETRIES}", mapLookup(nil))
	if err == nil {
		t.Fatal("Expected a validation error for unset variable")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(verrs))
	}
	if !strings.Contains(verrs[0].Message, "RETRIES") {
		t.Errorf("Error should name the variable, got %q", verrs[0].Message)
	}
}

func TestSubstitute_CollectsEveryMissingVariable(t *testing.T) {
	_, err := Substitute("a: ${FIRST}\nb: ${SECOND}\nc: ${THIRD:ok}", mapLookup(nil))
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Expected ValidationErrors, got %T", err)
	}
	if len(verrs) != 2 {
		t.Errorf("Expected 2 errors (FIRST and SECOND), got %d: %v", len(verrs), verrs)
	}
}

func TestSubstitute_MultipleOccurrences(t *testing.T) {
	vars := map[string]string{"REGION": "eu-west-1"}
	out, err := Substitute("primary: ${REGION}\nbackup: ${REGION}", mapLookup(vars))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.Count(out, "eu-west-1") != 2 {
		t.Errorf("Expected both occurrences substituted, got %q", out)
	}
}

func TestSubstitute_IgnoresNonPlaceholderText(t *testing.T) {
	in := "literal: $HOME and {braces} and ${1BAD}"
	out, err := Substitute(in, mapLookup(nil))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if out != in {
		t.Errorf("Non-placeholder text should pass through, got %q", out)
	}
}
