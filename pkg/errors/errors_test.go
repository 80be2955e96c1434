package errors

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewModelError(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		kind     string
		err      error
		wantMsg  string
		hasStack bool
	}{
		{
			name:     "with original error",
			op:       "SaveCheckpoint",
			kind:     "encode failed",
			err:      fmt.Errorf("disk full"),
			wantMsg:  "finetune: SaveCheckpoint: encode failed: disk full",
			hasStack: true,
		},
		{
			name:     "without original error",
			op:       "NewClassifier",
			kind:     "backbone missing",
			err:      nil,
			wantMsg:  "finetune: NewClassifier: backbone missing",
			hasStack: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewModelError(tt.op, tt.kind, tt.err)

			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.wantMsg)
			}

			// スタックトレースの存在確認
			if tt.hasStack {
				formatted := fmt.Sprintf("%+v", err)
				if !strings.Contains(formatted, "errors_test.go") {
					t.Error("Expected stack trace to contain test file name")
				}
			}

			var modelErr *ModelError
			if !As(err, &modelErr) {
				t.Error("Error should be castable to *ModelError")
			}
		})
	}
}

func TestNewDimensionError(t *testing.T) {
	err := NewDimensionError("Linear.Forward", 2048, 768, 1)

	want := "finetune: Linear.Forward: dimension mismatch on axis 1 (features). Expected 2048, got 768"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var dimErr *DimensionError
	if !As(err, &dimErr) {
		t.Error("Error should be castable to *DimensionError")
	}
}

func TestDatasetErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("no such file or directory")
	err := NewDatasetError("flowers102/train", "cannot read root", cause)

	if !Is(err, cause) {
		t.Error("DatasetError should unwrap to its cause")
	}
	var dsErr *DatasetError
	if !As(err, &dsErr) {
		t.Fatal("Error should be castable to *DatasetError")
	}
	if dsErr.Root != "flowers102/train" {
		t.Errorf("Root = %q", dsErr.Root)
	}
}

func TestDeviceErrorCopiesIDs(t *testing.T) {
	ids := []int{0, 1, 1}
	err := NewDeviceError(ids, "duplicate device id")
	ids[0] = 9

	var devErr *DeviceError
	if !As(err, &devErr) {
		t.Fatal("Error should be castable to *DeviceError")
	}
	if devErr.DeviceIDs[0] != 0 {
		t.Error("DeviceError must not alias the caller's slice")
	}
	if !strings.Contains(err.Error(), "duplicate device id") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWrapAndIs(t *testing.T) {
	wrapped := Wrapf(ErrEmptyData, "in %s: expected %d, got %d", "NextBatch", 256, 0)

	if !Is(wrapped, ErrEmptyData) {
		t.Error("Expected Is(wrapped, ErrEmptyData) to be true")
	}

	expectedMsg := "in NextBatch: expected 256, got 0"
	if !strings.Contains(wrapped.Error(), expectedMsg) {
		t.Errorf("Expected wrapped error to contain %q", expectedMsg)
	}
}

func TestWarnUsesZerolog(t *testing.T) {
	var buf bytes.Buffer
	SetZerologWarnFunc(NewZerologWarnFunc(zerolog.New(&buf)))
	defer SetZerologWarnFunc(nil)

	Warn(NewEmptyClassWarning("flowers102/train", "daisy"))

	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"class":"daisy"`, `"type":"EmptyClassWarning"`} {
		if !strings.Contains(out, want) {
			t.Errorf("warning output %s missing %s", out, want)
		}
	}
}

func TestWarnFallsBackToHandler(t *testing.T) {
	var got error
	SetWarningHandler(func(w error) { got = w })
	defer SetWarningHandler(nil)

	w := NewClassCountWarning(102, 10)
	Warn(w)

	if got != w {
		t.Errorf("handler received %v, want %v", got, w)
	}
}

func TestCheckScalar(t *testing.T) {
	if err := CheckScalar("train_loss", 0.7, 1); err != nil {
		t.Errorf("finite value reported unstable: %v", err)
	}
	err := CheckScalar("train_loss", math.NaN(), 3)
	var numErr *NumericalInstabilityError
	if !As(err, &numErr) {
		t.Fatalf("expected NumericalInstabilityError, got %v", err)
	}
	if numErr.Iteration != 3 {
		t.Errorf("Iteration = %d, want 3", numErr.Iteration)
	}
}

func TestCheckNumericalStabilityCollectsBadValues(t *testing.T) {
	err := CheckNumericalStability("adam_step", []float64{1, math.Inf(1), 2, math.NaN()}, 0)
	var numErr *NumericalInstabilityError
	if !As(err, &numErr) {
		t.Fatalf("expected NumericalInstabilityError, got %v", err)
	}
	if len(numErr.Values) != 2 {
		t.Errorf("expected 2 unstable values, got %v", numErr.Values)
	}
}

func TestSafeDivide(t *testing.T) {
	if got := SafeDivide(3, 2); got != 1.5 {
		t.Errorf("SafeDivide(3, 2) = %v, want 1.5", got)
	}
	if got := SafeDivide(1, 0); got != 0 {
		t.Errorf("SafeDivide(1, 0) = %v, want 0", got)
	}
}
