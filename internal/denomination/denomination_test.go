package denomination

import (
	"testing"

	"github.com/shopspring/decimal"
)

func faces(vals ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

var pyg = faces(100000, 50000, 20000, 10000, 5000, 2000, 1000, 500, 100, 50)

func TestDecompose(t *testing.T) {
	t.Run("ExactAmount", func(t *testing.T) {
		parts, sum := Decompose(decimal.NewFromInt(750000), pyg)
		if !sum.Equal(decimal.NewFromInt(750000)) {
			t.Fatalf("expected 750000, got %s", sum)
		}
		if len(parts) != 2 {
			t.Fatalf("expected 2 parts, got %d", len(parts))
		}
		if parts[0].Count != 7 || !parts[0].Face.Equal(decimal.NewFromInt(100000)) {
			t.Errorf("expected 7x100000, got %dx%s", parts[0].Count, parts[0].Face)
		}
		if parts[1].Count != 1 || !parts[1].Face.Equal(decimal.NewFromInt(50000)) {
			t.Errorf("expected 1x50000, got %dx%s", parts[1].Count, parts[1].Face)
		}
	})

	t.Run("UnreachableRemainder", func(t *testing.T) {
		_, sum := Decompose(decimal.NewFromInt(7), faces(5, 3))
		if !sum.Equal(decimal.NewFromInt(5)) {
			t.Errorf("expected greedy sum 5, got %s", sum)
		}
	})

	t.Run("UnsortedFacesWithDuplicates", func(t *testing.T) {
		parts, sum := Decompose(decimal.NewFromInt(160), faces(10, 100, 50, 100, 0))
		if !sum.Equal(decimal.NewFromInt(160)) {
			t.Fatalf("expected 160, got %s", sum)
		}
		if len(parts) != 3 {
			t.Errorf("expected 3 parts, got %d", len(parts))
		}
	})

	t.Run("FractionalFaces", func(t *testing.T) {
		usdCents := []decimal.Decimal{
			decimal.RequireFromString("1"),
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.10"),
		}
		_, sum := Decompose(decimal.RequireFromString("2.35"), usdCents)
		if !sum.Equal(decimal.RequireFromString("2.35")) {
			t.Errorf("expected 2.35, got %s", sum)
		}
	})
}

func TestRound(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		want   string
	}{
		{"AlreadyDeliverable", "750000", "750000"},
		{"RoundsDown", "750020", "750000"},
		{"RoundsUp", "750030", "750050"},
		{"TieGoesDown", "750025", "750000"},
		{"FractionalAmount", "123456.78", "123450"},
		{"BelowSmallestFace", "20", "0"},
		{"BelowSmallestFaceRoundsUp", "30", "50"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Round(decimal.RequireFromString(tc.amount), pyg)
			if err != nil {
				t.Fatalf("Round failed: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tc.want)) {
				t.Errorf("Round(%s) = %s, want %s", tc.amount, got, tc.want)
			}
		})
	}

	t.Run("NoDenominations", func(t *testing.T) {
		if _, err := Round(decimal.NewFromInt(10), nil); err != ErrNoDenominations {
			t.Errorf("expected ErrNoDenominations, got %v", err)
		}
	})

	t.Run("ResultWithinOneSmallestUnit", func(t *testing.T) {
		smallest := decimal.NewFromInt(50)
		for i := int64(0); i < 2000; i += 7 {
			amount := decimal.NewFromInt(100000 + i*13)
			got, err := Round(amount, pyg)
			if err != nil {
				t.Fatalf("Round failed: %v", err)
			}
			if amount.Sub(got).Abs().GreaterThan(smallest) {
				t.Fatalf("Round(%s) = %s deviates more than one smallest unit", amount, got)
			}
			_, sum := Decompose(got, pyg)
			if !sum.Equal(got) {
				t.Fatalf("Round(%s) = %s is not reachable (greedy sum %s)", amount, got, sum)
			}
		}
	})
}
