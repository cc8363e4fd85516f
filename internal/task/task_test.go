package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"jobexec/internal/job"
)

func nop(*Context) error { return nil }

func TestNewRegistryRejectsBadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		tasks []Task
	}{
		{"empty name", []Task{{Name: " ", Handler: nop}}},
		{"nil handler", []Task{{Name: "a"}}},
		{"duplicate", []Task{{Name: "a", Handler: nop}, {Name: "a", Handler: nop}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRegistry(tt.tasks...)
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestRegistryValidateAndSelect(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry(
		Task{Name: "b", Handler: nop},
		Task{Name: "a", Handler: nop, ValidateArgs: func(args []byte) error {
			var v struct{ N int }
			if err := DecodeArgs(args, &v); err != nil {
				return err
			}
			if v.N <= 0 {
				return errors.New("n must be positive")
			}
			return nil
		}},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if got := fmt.Sprint(r.Names()); got != "[a b]" {
		t.Fatalf("Names = %s", got)
	}
	if err := r.Validate("c", nil); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("unknown task err = %v", err)
	}
	if err := r.Validate("a", []byte(`{"N":0}`)); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("bad args err = %v", err)
	}
	if err := r.Validate("a", []byte(`{"N":2}`)); err != nil {
		t.Fatalf("good args err = %v", err)
	}

	sub, err := r.Select([]string{"b"})
	if err != nil || fmt.Sprint(sub.Names()) != "[b]" {
		t.Fatalf("Select = %v %v", sub, err)
	}
	if _, err := r.Select([]string{"zzz"}); err == nil {
		t.Fatal("selecting an unknown task must fail")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		cancelled bool
		want      Outcome
		retryable bool
	}{
		{"nil", nil, false, Success, false},
		{"plain", boom, false, Failure, true},
		{"no retry", NoRetry(boom), false, Failure, false},
		{"invalid args", fmt.Errorf("%w: x", ErrInvalidArgs), false, Failure, false},
		{"cancelled sentinel", fmt.Errorf("stop: %w", ErrCancelled), false, Cancelled, false},
		{"error after cancel", boom, true, Cancelled, false},
		{"exhausted", ResourceExhausted(boom), false, Exhausted, false},
	}
	for _, tt := range tests {
		r := Classify(tt.err, tt.cancelled)
		if r.Outcome != tt.want || r.Retryable != tt.retryable {
			t.Fatalf("%s: got %v/%v, want %v/%v", tt.name, r.Outcome, r.Retryable, tt.want, tt.retryable)
		}
	}
	if r := Classify(RetryAfter(boom, 3*time.Second), false); r.RetryAfter != 3*time.Second {
		t.Fatalf("RetryAfter hint = %v", r.RetryAfter)
	}
}

func TestContext(t *testing.T) {
	t.Parallel()
	var lines []string
	tok := NewCancelToken()
	tc := NewContext(context.Background(), job.Job{ID: "j1", Retries: 1, Args: []byte(`{"x":"y"}`)}, tok, func(l job.LogLevel, m string) {
		lines = append(lines, string(l)+":"+m)
	})

	var args struct{ X string }
	if err := tc.Decode(&args); err != nil || args.X != "y" {
		t.Fatalf("Decode = %+v %v", args, err)
	}
	if tc.Attempt() != 2 {
		t.Fatalf("Attempt = %d, want 2", tc.Attempt())
	}
	tc.Progress(150)
	if tc.CurrentProgress() != 100 {
		t.Fatalf("progress = %d, want clamped 100", tc.CurrentProgress())
	}
	tc.Infof("step %d", 1)
	if len(lines) != 1 || lines[0] != "info:step 1" {
		t.Fatalf("lines = %v", lines)
	}

	if tc.CheckCancelled() != nil {
		t.Fatal("not cancelled yet")
	}
	tok.Cancel()
	tok.Cancel()
	if !errors.Is(tc.CheckCancelled(), ErrCancelled) {
		t.Fatal("expected ErrCancelled")
	}
	if err := tc.Sleep(time.Hour); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Sleep = %v, want ErrCancelled", err)
	}
}

func TestDecodeArgsInvalid(t *testing.T) {
	t.Parallel()
	var v map[string]any
	if err := DecodeArgs([]byte("{"), &v); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("err = %v, want ErrInvalidArgs", err)
	}
}
