package safe

import (
	"math"
	"math/big"
	"testing"
)

func TestAdd(t *testing.T) {
	tests := []struct {
		a, b uint64
		want uint64
		ok   bool
	}{
		{1, 2, 3, true},
		{0, 0, 0, true},
		{math.MaxUint64, 0, math.MaxUint64, true},
		{math.MaxUint64, 1, 0, false},
		{math.MaxUint64 / 2, math.MaxUint64/2 + 2, 0, false},
	}
	for _, tt := range tests {
		got, ok := Add(tt.a, tt.b)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("Add(%d, %d) = %d, %v; want %d, %v", tt.a, tt.b, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSub(t *testing.T) {
	if got, ok := Sub(10, 4); !ok || got != 6 {
		t.Errorf("Sub(10, 4) = %d, %v", got, ok)
	}
	if _, ok := Sub(4, 10); ok {
		t.Error("Sub(4, 10) should underflow")
	}
}

func TestMul(t *testing.T) {
	if got, ok := Mul(4, 5); !ok || got != 20 {
		t.Errorf("Mul(4, 5) = %d, %v", got, ok)
	}
	if _, ok := Mul(math.MaxUint64, 2); ok {
		t.Error("Mul(MaxUint64, 2) should overflow")
	}
	if got, ok := Mul(0, math.MaxUint64); !ok || got != 0 {
		t.Errorf("Mul(0, MaxUint64) = %d, %v", got, ok)
	}
}

func TestMulDiv(t *testing.T) {
	tests := []struct {
		a, b, d uint64
		want    uint64
		ok      bool
	}{
		{20, 25, 1000, 0, true},   // floor(500/1000)
		{1000, 25, 1000, 25, true},
		{999, 100, 1000, 99, true}, // floor(99900/1000)
		{math.MaxUint64, 100, 1000, math.MaxUint64 / 10, true},
		{math.MaxUint64, 2, 1, 0, false},
		{1, 1, 0, 0, false},
	}
	for _, tt := range tests {
		got, ok := MulDiv(tt.a, tt.b, tt.d)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("MulDiv(%d, %d, %d) = %d, %v; want %d, %v", tt.a, tt.b, tt.d, got, ok, tt.want, tt.ok)
		}
	}
}

func FuzzMulDiv(f *testing.F) {
	f.Add(uint64(20), uint64(25), uint64(1000))
	f.Add(uint64(math.MaxUint64), uint64(100), uint64(1000))
	f.Fuzz(func(t *testing.T, a, b, d uint64) {
		got, ok := MulDiv(a, b, d)
		if d == 0 {
			if ok {
				t.Fatal("division by zero must fail")
			}
			return
		}
		want := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
		want.Div(want, new(big.Int).SetUint64(d))
		if !want.IsUint64() {
			if ok {
				t.Fatalf("MulDiv(%d, %d, %d) should report overflow", a, b, d)
			}
			return
		}
		if !ok || got != want.Uint64() {
			t.Fatalf("MulDiv(%d, %d, %d) = %d, %v; want %s", a, b, d, got, ok, want)
		}
	})
}
