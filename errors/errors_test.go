package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
	}{
		{"unknown_recipient", ErrCodeUnknownRecipient, CategoryPermanent},
		{"conflict", ErrCodeRegistrationConflict, CategoryPermanent},
		{"pipeline_timeout", ErrCodePipelineTimeout, CategoryTransient},
		{"step_failed", ErrCodePipelineStepFailed, CategoryPermanent},
		{"panic", ErrCodePanic, CategoryInternal},
		{"unknown", ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != "boom" {
				t.Errorf("Error() = %v, want boom", err.Error())
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeExpired)
	if err.Error() != "message expired" {
		t.Errorf("Error() = %v, want %v", err.Error(), "message expired")
	}
	if ErrorCode("NOPE").Description() != "unknown error" {
		t.Error("unknown code should describe as unknown error")
	}
}

func TestRetryable(t *testing.T) {
	if !New(ErrCodePipelineTimeout, "x").Retryable() {
		t.Error("pipeline timeout should be retryable by default")
	}
	if New(ErrCodeUnknownRecipient, "x").Retryable() {
		t.Error("unknown recipient should not be retryable")
	}
	if !New(ErrCodeUnknownRecipient, "x", WithRetryable(true)).Retryable() {
		t.Error("override should make error retryable")
	}
}

func TestDomainConstructors(t *testing.T) {
	cause := fmt.Errorf("db down")

	tests := []struct {
		name string
		err  *Error
		code ErrorCode
	}{
		{"unknown recipient", UnknownRecipient("ghost"), ErrCodeUnknownRecipient},
		{"handler failure", HandlerFailure("a1", cause), ErrCodeHandlerFailure},
		{"expired", Expired("m1"), ErrCodeExpired},
		{"conflict", RegistrationConflict("a1"), ErrCodeRegistrationConflict},
		{"timeout", PipelineTimeout("p1", "analyze"), ErrCodePipelineTimeout},
		{"step failed", PipelineStepFailed("p1", "analyze", "bad data"), ErrCodePipelineStepFailed},
		{"closed", Closed("bus"), ErrCodeClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !Is(tt.err, tt.code) {
				t.Errorf("Is(%v, %v) = false", tt.err, tt.code)
			}
		})
	}

	hf := HandlerFailure("a1", cause)
	if !errors.Is(hf, cause) {
		t.Error("HandlerFailure should unwrap to its cause")
	}
	if hf.AgentID() != "a1" {
		t.Errorf("AgentID() = %q, want a1", hf.AgentID())
	}

	pt := PipelineTimeout("p1", "analyze")
	if pt.MessageID() != "p1" || pt.Metadata()["step"] != "analyze" {
		t.Errorf("PipelineTimeout context = %q/%v", pt.MessageID(), pt.Metadata())
	}
}

func TestMetadataImmutability(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	md := err.Metadata()
	md["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() should return a copy")
	}
	if len(New(ErrCodeInternal, "x").Metadata()) != 0 {
		t.Error("nil metadata should come back empty")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	base := UnknownRecipient("ghost")
	wrapped := Wrap(base, "publishing step request")
	if wrapped.Code() != ErrCodeUnknownRecipient {
		t.Errorf("Code() = %v, want %v", wrapped.Code(), ErrCodeUnknownRecipient)
	}
	if wrapped.AgentID() != "ghost" {
		t.Errorf("AgentID() = %q, want ghost", wrapped.AgentID())
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should keep the chain")
	}

	if Code(Wrap(context.DeadlineExceeded, "x")) != ErrCodeTimeout {
		t.Error("deadline exceeded should map to TIMEOUT")
	}
	if Code(Wrap(context.Canceled, "x")) != ErrCodeCanceled {
		t.Error("canceled should map to CANCELED")
	}
	if Code(Wrap(fmt.Errorf("plain"), "x")) != ErrCodeInternal {
		t.Error("plain errors should map to INTERNAL")
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code of a plain error should be empty")
	}
	if AsAgentError(fmt.Errorf("plain")) != nil {
		t.Error("AsAgentError of a plain error should be nil")
	}
}

func TestJSONRoundtrip(t *testing.T) {
	orig := PipelineStepFailed("p1", "report", "renderer offline", WithAgentID("reporter"))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if got.Code() != orig.Code() || got.Category() != orig.Category() {
		t.Errorf("code/category = %v/%v, want %v/%v", got.Code(), got.Category(), orig.Code(), orig.Category())
	}
	if got.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", got.Error(), orig.Error())
	}
	if got.AgentID() != "reporter" || got.MessageID() != "p1" {
		t.Errorf("ids = %q/%q", got.AgentID(), got.MessageID())
	}
	if got.Metadata()["step"] != "report" {
		t.Errorf("step metadata = %q", got.Metadata()["step"])
	}
	if !got.Timestamp().Equal(orig.Timestamp()) {
		t.Errorf("Timestamp() = %v, want %v", got.Timestamp(), orig.Timestamp())
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should return nil")
	}

	var recovered *Error
	func() {
		defer func() {
			if r := recover(); r != nil {
				recovered = RecoverPanic(r)
			}
		}()
		panic("handler exploded")
	}()

	if recovered == nil {
		t.Fatal("should have recovered panic")
	}
	if recovered.Code() != ErrCodePanic {
		t.Errorf("Code() = %v, want %v", recovered.Code(), ErrCodePanic)
	}
	if recovered.Metadata()["panic_value"] != "string" {
		t.Errorf("panic_value = %v", recovered.Metadata()["panic_value"])
	}
	if RecoverPanic(42).Error() != "42" {
		t.Error("non-error panic values should be formatted")
	}
}
