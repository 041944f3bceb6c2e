package enforce

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"riskguard/internal/lockout"
	"riskguard/internal/risk"
)

// fakeGateway mimics the broker with in-memory state so every mutating
// call is observable.
type fakeGateway struct {
	mu        sync.Mutex
	positions []risk.Position
	orders    []risk.Order

	cancelled []string
	closed    []string
	placed    []placedOrder

	failCancel map[string]error
	failClose  map[string]error
	fetchErr   error
}

type placedOrder struct {
	contractID string
	side       risk.OrderSide
	size       int
}

func (f *fakeGateway) OpenOrders(ctx context.Context, accountID string) ([]risk.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]risk.Order, len(f.orders))
	copy(out, f.orders)
	return out, nil
}

func (f *fakeGateway) OpenPositions(ctx context.Context, accountID string) ([]risk.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]risk.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, accountID, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCancel[orderID]; err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, orderID)
	kept := f.orders[:0]
	for _, o := range f.orders {
		if o.OrderID != orderID {
			kept = append(kept, o)
		}
	}
	f.orders = kept
	return nil
}

func (f *fakeGateway) PlaceMarketOrder(ctx context.Context, accountID, contractID string, side risk.OrderSide, size int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, placedOrder{contractID, side, size})
	return "ord-new", nil
}

func (f *fakeGateway) ClosePosition(ctx context.Context, accountID, contractID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failClose[contractID]; err != nil {
		return err
	}
	f.closed = append(f.closed, contractID)
	kept := f.positions[:0]
	for _, p := range f.positions {
		if p.ContractID != contractID {
			kept = append(kept, p)
		}
	}
	f.positions = kept
	return nil
}

func (f *fakeGateway) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled) + len(f.closed) + len(f.placed)
}

func newExecutor(t *testing.T, gw Gateway) (*Executor, *lockout.Store) {
	t.Helper()
	store, err := lockout.NewStore(filepath.Join(t.TempDir(), "locks"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return New(gw, store, zerolog.Nop()), store
}

func plan(kind risk.ActionKind) risk.ActionPlan {
	return risk.ActionPlan{
		AccountID:     "acct-1",
		Action:        risk.Action{Kind: kind},
		Reason:        "test",
		CorrelationID: "corr-1",
	}
}

func TestNoopLeavesGatewayUntouched(t *testing.T) {
	gw := &fakeGateway{orders: []risk.Order{{OrderID: "o1", Status: risk.StatusOpen}}}
	exec, _ := newExecutor(t, gw)

	res := exec.Apply(context.Background(), plan(risk.ActionNoop), false)
	if !res.Applied || res.Err != nil {
		t.Fatalf("noop result = %+v", res)
	}
	if gw.mutations() != 0 {
		t.Fatalf("noop mutated gateway")
	}
}

func TestDryRunIssuesNoGatewayCalls(t *testing.T) {
	gw := &fakeGateway{
		orders:    []risk.Order{{OrderID: "o1", Status: risk.StatusOpen}},
		positions: []risk.Position{{ContractID: "CON.F.US.ENQ.Z24", Size: 3}},
	}
	exec, store := newExecutor(t, gw)

	for _, kind := range []risk.ActionKind{risk.ActionCancelOrders, risk.ActionReduce, risk.ActionFlatten, risk.ActionLockout} {
		p := plan(kind)
		p.Action.Until = time.Now().Add(time.Hour)
		res := exec.Apply(context.Background(), p, true)
		if !res.Applied || !res.DryRun || res.Err != nil {
			t.Fatalf("%s dry run result = %+v", kind, res)
		}
	}
	if gw.mutations() != 0 {
		t.Fatalf("dry run mutated gateway: %d calls", gw.mutations())
	}
	if state, _, _ := store.Check("acct-1"); state != lockout.Absent {
		t.Fatalf("dry run persisted a lockout")
	}
}

func TestCancelOrdersCancelsOnlyOpen(t *testing.T) {
	gw := &fakeGateway{orders: []risk.Order{
		{OrderID: "o1", Status: risk.StatusOpen},
		{OrderID: "o2", Status: risk.StatusFilled},
		{OrderID: "o3", Status: risk.StatusPending},
	}}
	exec, _ := newExecutor(t, gw)

	res := exec.Apply(context.Background(), plan(risk.ActionCancelOrders), false)
	if res.Err != nil {
		t.Fatalf("apply: %v", res.Err)
	}
	if res.OrdersCancelled != 2 || res.Failures != 0 {
		t.Fatalf("cancelled=%d failures=%d, want 2/0", res.OrdersCancelled, res.Failures)
	}
}

func TestCancelOrdersTracksPartialFailure(t *testing.T) {
	gw := &fakeGateway{
		orders: []risk.Order{
			{OrderID: "o1", Status: risk.StatusOpen},
			{OrderID: "o2", Status: risk.StatusOpen},
			{OrderID: "o3", Status: risk.StatusOpen},
		},
		failCancel: map[string]error{"o2": errors.New("rejected")},
	}
	exec, _ := newExecutor(t, gw)

	res := exec.Apply(context.Background(), plan(risk.ActionCancelOrders), false)
	if res.Err != nil {
		t.Fatalf("apply: %v", res.Err)
	}
	if res.OrdersCancelled != 2 || res.Failures != 1 {
		t.Fatalf("cancelled=%d failures=%d, want 2/1", res.OrdersCancelled, res.Failures)
	}
}

func TestFlattenCancelsThenCloses(t *testing.T) {
	gw := &fakeGateway{
		orders: []risk.Order{{OrderID: "o1", Status: risk.StatusOpen}},
		positions: []risk.Position{
			{ContractID: "CON.F.US.ENQ.Z24", Size: 2},
			{ContractID: "CON.F.US.EP.Z24", Size: -1},
		},
	}
	exec, _ := newExecutor(t, gw)

	res := exec.Apply(context.Background(), plan(risk.ActionFlatten), false)
	if res.Err != nil {
		t.Fatalf("apply: %v", res.Err)
	}
	if res.OrdersCancelled != 1 || res.PositionsClosed != 2 {
		t.Fatalf("cancelled=%d closed=%d, want 1/2", res.OrdersCancelled, res.PositionsClosed)
	}

	// Already flat: re-applying is a no-op success.
	res = exec.Apply(context.Background(), plan(risk.ActionFlatten), false)
	if res.Err != nil || res.Failures != 0 {
		t.Fatalf("re-apply: %+v", res)
	}
	if res.OrdersCancelled != 0 || res.PositionsClosed != 0 {
		t.Fatalf("re-apply mutated: %+v", res)
	}
}

func TestFlattenContinuesPastFailedClose(t *testing.T) {
	gw := &fakeGateway{
		positions: []risk.Position{
			{ContractID: "CON.F.US.ENQ.Z24", Size: 2},
			{ContractID: "CON.F.US.EP.Z24", Size: 1},
		},
		failClose: map[string]error{"CON.F.US.ENQ.Z24": errors.New("venue down")},
	}
	exec, _ := newExecutor(t, gw)

	res := exec.Apply(context.Background(), plan(risk.ActionFlatten), false)
	if res.Err != nil {
		t.Fatalf("apply: %v", res.Err)
	}
	if res.PositionsClosed != 1 || res.Failures != 1 {
		t.Fatalf("closed=%d failures=%d, want 1/1", res.PositionsClosed, res.Failures)
	}
}

func TestReducePlacesOppositeSideOrder(t *testing.T) {
	gw := &fakeGateway{positions: []risk.Position{{ContractID: "CON.F.US.ENQ.Z24", Size: 5}}}
	exec, _ := newExecutor(t, gw)

	p := plan(risk.ActionReduce)
	p.Action.ContractID = "CON.F.US.ENQ.Z24"
	p.Action.Qty = 2
	res := exec.Apply(context.Background(), p, false)
	if res.Err != nil || res.OrdersPlaced != 1 {
		t.Fatalf("apply: %+v", res)
	}
	if got := gw.placed[0]; got.side != risk.SideSell || got.size != 2 {
		t.Fatalf("placed %+v, want sell 2", got)
	}
}

func TestReduceShortBuysBackAndCapsQty(t *testing.T) {
	gw := &fakeGateway{positions: []risk.Position{{ContractID: "CON.F.US.EP.Z24", Size: -3}}}
	exec, _ := newExecutor(t, gw)

	p := plan(risk.ActionReduce)
	p.Action.ContractID = "CON.F.US.EP.Z24"
	p.Action.Qty = 10
	res := exec.Apply(context.Background(), p, false)
	if res.Err != nil || res.OrdersPlaced != 1 {
		t.Fatalf("apply: %+v", res)
	}
	if got := gw.placed[0]; got.side != risk.SideBuy || got.size != 3 {
		t.Fatalf("placed %+v, want buy 3", got)
	}
}

func TestReduceOnFlatPositionIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	exec, _ := newExecutor(t, gw)

	p := plan(risk.ActionReduce)
	p.Action.ContractID = "CON.F.US.ENQ.Z24"
	p.Action.Qty = 2
	res := exec.Apply(context.Background(), p, false)
	if res.Err != nil || !res.Applied || res.OrdersPlaced != 0 {
		t.Fatalf("apply: %+v", res)
	}
}

func TestLockoutPersistsRecordWithoutOrderCalls(t *testing.T) {
	gw := &fakeGateway{positions: []risk.Position{{ContractID: "CON.F.US.ENQ.Z24", Size: 2}}}
	exec, store := newExecutor(t, gw)

	p := plan(risk.ActionLockout)
	p.Action.Until = time.Now().Add(24 * time.Hour)
	res := exec.Apply(context.Background(), p, false)
	if res.Err != nil || !res.Applied {
		t.Fatalf("apply: %+v", res)
	}
	if gw.mutations() != 0 {
		t.Fatalf("lockout touched the gateway")
	}

	state, rec, err := store.Check("acct-1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if state != lockout.Active || rec.Reason != "test" {
		t.Fatalf("state=%v rec=%+v", state, rec)
	}
}

func TestLockoutWriteFailureIsFatal(t *testing.T) {
	gw := &fakeGateway{}
	exec, _ := newExecutor(t, gw)

	p := plan(risk.ActionLockout)
	// Zero Until is rejected by the store; the tick must see Err so the
	// plan is retried next cycle.
	res := exec.Apply(context.Background(), p, false)
	if res.Err == nil {
		t.Fatalf("want error for unpersistable lockout")
	}
}

func TestLockedAccountSkipsEnforcement(t *testing.T) {
	gw := &fakeGateway{orders: []risk.Order{{OrderID: "o1", Status: risk.StatusOpen}}}
	exec, store := newExecutor(t, gw)

	err := store.Create(lockout.Record{
		AccountID: "acct-1",
		Reason:    "daily loss",
		Until:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create lock: %v", err)
	}

	res := exec.Apply(context.Background(), plan(risk.ActionCancelOrders), false)
	if !res.Skipped || res.Err != nil {
		t.Fatalf("apply: %+v", res)
	}
	if gw.mutations() != 0 {
		t.Fatalf("locked account was mutated")
	}
}

func TestFetchErrorIsFatalToTick(t *testing.T) {
	gw := &fakeGateway{fetchErr: errors.New("gateway unavailable")}
	exec, _ := newExecutor(t, gw)

	res := exec.Apply(context.Background(), plan(risk.ActionFlatten), false)
	if res.Err == nil {
		t.Fatalf("want fetch error surfaced")
	}
}
