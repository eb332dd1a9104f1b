package model

import (
	"context"
	"testing"
)

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{
		Roles: []string{"provider", "reviewer"},
	}
	if !rc.HasRole("provider") {
		t.Error("HasRole(provider) = false, want true")
	}
	if !rc.HasRole("reviewer") {
		t.Error("HasRole(reviewer) = false, want true")
	}
	if rc.HasRole("patient") {
		t.Error("HasRole(patient) = true, want false")
	}
}

func TestRequestContext_HasRole_empty(t *testing.T) {
	rc := &RequestContext{}
	if rc.HasRole("provider") {
		t.Error("HasRole(provider) on empty roles = true, want false")
	}
}

func TestWithRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{SubjectID: "patient-1", CorrelationID: "corr-1"}
	ctx := WithRequestContext(context.Background(), rc)

	got := RequestContextFrom(ctx)
	if got != rc {
		t.Fatalf("RequestContextFrom() = %+v, want %+v", got, rc)
	}
	if SubjectFrom(ctx) != "patient-1" {
		t.Errorf("SubjectFrom() = %q, want patient-1", SubjectFrom(ctx))
	}
}

func TestRequestContextFrom_missing(t *testing.T) {
	if rc := RequestContextFrom(context.Background()); rc != nil {
		t.Errorf("RequestContextFrom() = %+v, want nil", rc)
	}
	if s := SubjectFrom(context.Background()); s != "" {
		t.Errorf("SubjectFrom() = %q, want empty", s)
	}
}
