package risk

import "testing"

func TestPositionSideDerivation(t *testing.T) {
	if (Position{Size: 2}).Side() != Long {
		t.Fatalf("positive size should be long")
	}
	if (Position{Size: -1}).Side() != Short {
		t.Fatalf("negative size should be short")
	}
	if (Position{Size: 0}).Side() != Flat {
		t.Fatalf("zero size should be flat")
	}
}

func TestWireEncodings(t *testing.T) {
	// These values go on the wire and must never drift.
	if SideBuy != 0 || SideSell != 1 {
		t.Fatalf("order side encoding changed")
	}
	if TypeLimit != 1 || TypeMarket != 2 || TypeStop != 4 || TypeTrailingStop != 5 || TypeJoinBid != 6 || TypeJoinAsk != 7 {
		t.Fatalf("order type encoding changed")
	}
	if StatusOpen != 1 || StatusFilled != 2 || StatusCancelled != 3 || StatusRejected != 5 {
		t.Fatalf("order status encoding changed")
	}
}

func TestExposureAndTotals(t *testing.T) {
	positions := []Position{
		{ContractID: "ESZ24", Size: 2, AveragePrice: 4500},
		{ContractID: "NQZ24", Size: -1, AveragePrice: 16500},
	}
	if got := TotalContracts(positions); got != 3 {
		t.Fatalf("expected 3 contracts, got %d", got)
	}
	if got := Exposure(positions); got != 2*4500+16500 {
		t.Fatalf("unexpected exposure %.2f", got)
	}
	biggest, ok := LargestPosition(positions)
	if !ok || biggest.ContractID != "ESZ24" {
		t.Fatalf("unexpected largest position %+v", biggest)
	}
	if _, ok := LargestPosition(nil); ok {
		t.Fatalf("empty slice should report no largest position")
	}
}

func TestOpenOrdersFilter(t *testing.T) {
	orders := []Order{
		{OrderID: "a", Status: StatusOpen},
		{OrderID: "b", Status: StatusFilled},
		{OrderID: "c", Status: StatusOpen},
		{OrderID: "d", Status: StatusPending},
	}
	open := OpenOrders(orders)
	if len(open) != 3 || open[0].OrderID != "a" || open[1].OrderID != "c" || open[2].OrderID != "d" {
		t.Fatalf("unexpected open orders %+v", open)
	}
}
