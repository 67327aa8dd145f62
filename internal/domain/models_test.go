package domain

import "testing"

func TestSaleTypeBaseUnits(t *testing.T) {
	drug := Drug{UnitsPerCarton: 20, PacksPerCarton: 4}

	cases := []struct {
		saleType SaleType
		want     int64
	}{
		{SaleTypeUnit, 1},
		{SaleTypePack, 20},
		{SaleTypeCarton, 80},
	}
	for _, tc := range cases {
		got, err := tc.saleType.BaseUnits(drug)
		if err != nil {
			t.Fatalf("%s: %v", tc.saleType, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %d base units, got %d", tc.saleType, tc.want, got)
		}
	}

	if _, err := SaleType("blister").BaseUnits(drug); err == nil {
		t.Fatalf("unknown sale type must fail")
	}
}

func TestSaleTypePrice(t *testing.T) {
	drug := Drug{PricePerUnit: 1.5, PricePerPack: 25, PricePerCarton: 90}

	if p, _ := SaleTypeUnit.Price(drug); p != 1.5 {
		t.Fatalf("unit price: got %.2f", p)
	}
	if p, _ := SaleTypePack.Price(drug); p != 25 {
		t.Fatalf("pack price: got %.2f", p)
	}
	if p, _ := SaleTypeCarton.Price(drug); p != 90 {
		t.Fatalf("carton price: got %.2f", p)
	}
	if _, err := SaleType("").Price(drug); err == nil {
		t.Fatalf("empty sale type must fail")
	}
}

func TestSaleHeld(t *testing.T) {
	if (Sale{ShortCode: "123456"}).Held() != true {
		t.Fatalf("unfinalized sale with a code is held")
	}
	if (Sale{ShortCode: "123456", Finalized: true}).Held() {
		t.Fatalf("finalized sale is not held")
	}
	if (Sale{}).Held() {
		t.Fatalf("sale without a code is not held")
	}
}
