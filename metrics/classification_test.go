package metrics

import (
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestCountCorrect(t *testing.T) {
	// 各行の最大値の列が予測クラスになる
	out := mat.NewDense(5, 3, []float64{
		-0.1, -2.0, -3.0,
		-2.0, -0.1, -3.0,
		-3.0, -2.0, -0.1,
		-2.0, -0.1, -3.0,
		-0.1, -2.0, -3.0,
	})
	tests := []struct {
		name    string
		labels  []int
		want    int
		wantErr bool
	}{
		{
			name:   "All correct",
			labels: []int{0, 1, 2, 1, 0},
			want:   5,
		},
		{
			name:   "Four of five",
			labels: []int{0, 1, 1, 1, 0},
			want:   4,
		},
		{
			name:   "None correct",
			labels: []int{1, 0, 0, 0, 1},
			want:   0,
		},
		{
			name:    "Length mismatch",
			labels:  []int{0, 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CountCorrect(out, tt.labels)
			if (err != nil) != tt.wantErr {
				t.Errorf("CountCorrect() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("CountCorrect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArgMaxRowsAndCountCorrect(t *testing.T) {
	out := mat.NewDense(3, 3, []float64{
		-0.1, -2.0, -3.0,
		-5.0, -4.0, -0.2,
		-1.0, -0.5, -0.9,
	})
	preds := ArgMaxRows(out)
	want := []int{0, 2, 1}
	for i := range want {
		if preds[i] != want[i] {
			t.Fatalf("ArgMaxRows() = %v, want %v", preds, want)
		}
	}

	correct, err := CountCorrect(out, []int{0, 1, 1})
	if err != nil {
		t.Fatal(err)
	}
	if correct != 2 {
		t.Errorf("CountCorrect() = %d, want 2", correct)
	}

	if _, err := CountCorrect(out, []int{0}); err == nil {
		t.Error("CountCorrect() with short labels should fail")
	}
}

func BenchmarkCountCorrect(b *testing.B) {
	rows, cols := 256, 102
	out := mat.NewDense(rows, cols, nil)
	labels := make([]int, rows)
	for i := 0; i < rows; i++ {
		labels[i] = i % cols
		out.Set(i, i%cols, 1)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = CountCorrect(out, labels)
	}
}
