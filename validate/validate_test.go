package validate_test

import (
	"testing"

	"github.com/jrife/zoom/validate"
)

type widget struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestValidatorAcceptsMonotonicIncrease(t *testing.T) {
	v, err := validate.Compile("new.count > old.count")
	if err != nil {
		t.Fatalf("Compile() returned error: %s", err)
	}

	ok, reason, err := v.Evaluate(&widget{ID: "w1", Count: 1}, &widget{ID: "w1", Count: 2})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %s", err)
	}

	if !ok {
		t.Fatalf("Evaluate() = false (%s), want true", reason)
	}
}

func TestValidatorRejectsDecrease(t *testing.T) {
	v, err := validate.Compile("new.count > old.count")
	if err != nil {
		t.Fatalf("Compile() returned error: %s", err)
	}

	ok, reason, err := v.Evaluate(&widget{ID: "w1", Count: 2}, &widget{ID: "w1", Count: 1})
	if err != nil {
		t.Fatalf("Evaluate() returned error: %s", err)
	}

	if ok {
		t.Fatalf("Evaluate() = true, want false")
	}

	if reason == "" {
		t.Fatalf("Evaluate() returned empty reason for a rejection")
	}
}

func TestCompileRejectsMalformedExpression(t *testing.T) {
	if _, err := validate.Compile("new.count >"); err == nil {
		t.Fatalf("Compile() with malformed expression succeeded, want error")
	}
}

func TestAsTxnValidatorMatchesEvaluate(t *testing.T) {
	v, err := validate.Compile("new.count > old.count")
	if err != nil {
		t.Fatalf("Compile() returned error: %s", err)
	}

	txnValidator := v.AsTxnValidator()

	ok, _ := txnValidator(&widget{ID: "w1", Count: 1}, &widget{ID: "w1", Count: 2})
	if !ok {
		t.Fatalf("AsTxnValidator() rejected an accepted update")
	}

	ok, reason := txnValidator(&widget{ID: "w1", Count: 2}, &widget{ID: "w1", Count: 2})
	if ok {
		t.Fatalf("AsTxnValidator() accepted a non-increasing update")
	}

	if reason == "" {
		t.Fatalf("AsTxnValidator() returned empty reason on rejection")
	}
}
