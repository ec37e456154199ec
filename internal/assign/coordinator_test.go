package assign

import (
    "context"
    "errors"
    "testing"
    "time"

    "wastenav/internal/lifecycle"
    "wastenav/internal/model"
    "wastenav/internal/store"
)

const tn = "t_test"

var asNow = time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Coordinator, *store.Memory) {
    t.Helper()
    m := store.NewMemory()
    ctx := context.Background()
    if _, err := m.CreateUser(ctx, model.User{ID: "drv_1", TenantID: tn, Role: "driver"}); err != nil {
        t.Fatalf("seed driver: %v", err)
    }
    if _, err := m.CreateUser(ctx, model.User{ID: "cust_1", TenantID: tn, Role: "customer"}); err != nil {
        t.Fatalf("seed customer: %v", err)
    }
    if _, err := m.CreateVehicle(ctx, model.Vehicle{TenantID: tn, Plate: "BA-1-PA-1234"}); err != nil {
        t.Fatalf("seed vehicle: %v", err)
    }
    return New(m), m
}

func constraintCode(t *testing.T, err error) string {
    t.Helper()
    var ce *ConstraintError
    if !errors.As(err, &ce) {
        t.Fatalf("expected ConstraintError, got %v", err)
    }
    return ce.Code
}

func TestAssignVehicleRejectsNonDriver(t *testing.T) {
    c, _ := setup(t)
    _, err := c.AssignVehicleToDriver(context.Background(), tn, "BA-1-PA-1234", "cust_1")
    if code := constraintCode(t, err); code != CodeInvalidDriver {
        t.Fatalf("code: %s", code)
    }
    _, err = c.AssignVehicleToDriver(context.Background(), tn, "BA-1-PA-1234", "nobody")
    if code := constraintCode(t, err); code != CodeInvalidDriver {
        t.Fatalf("unknown user code: %s", code)
    }
}

func TestAssignVehicleAlreadyTaken(t *testing.T) {
    c, m := setup(t)
    ctx := context.Background()
    if _, err := m.CreateUser(ctx, model.User{ID: "drv_2", TenantID: tn, Role: "driver"}); err != nil {
        t.Fatalf("seed: %v", err)
    }
    if _, err := c.AssignVehicleToDriver(ctx, tn, "BA-1-PA-1234", "drv_1"); err != nil {
        t.Fatalf("first bind: %v", err)
    }
    _, err := c.AssignVehicleToDriver(ctx, tn, "BA-1-PA-1234", "drv_2")
    if code := constraintCode(t, err); code != CodeVehicleAlreadyAssigned {
        t.Fatalf("code: %s", code)
    }
    // re-binding to the same driver is a no-op, not a conflict
    if _, err := c.AssignVehicleToDriver(ctx, tn, "BA-1-PA-1234", "drv_1"); err != nil {
        t.Fatalf("rebind same driver: %v", err)
    }
}

func TestAssignVehicleDriverAlreadyBound(t *testing.T) {
    c, m := setup(t)
    ctx := context.Background()
    if _, err := m.CreateVehicle(ctx, model.Vehicle{TenantID: tn, Plate: "BA-1-PA-5678"}); err != nil {
        t.Fatalf("seed: %v", err)
    }
    if _, err := c.AssignVehicleToDriver(ctx, tn, "BA-1-PA-1234", "drv_1"); err != nil {
        t.Fatalf("first bind: %v", err)
    }
    _, err := c.AssignVehicleToDriver(ctx, tn, "BA-1-PA-5678", "drv_1")
    if code := constraintCode(t, err); code != CodeVehicleAlreadyAssigned {
        t.Fatalf("code: %s", code)
    }
    // the rejected attempt must not touch either binding
    v1, _ := m.GetVehicle(ctx, tn, "BA-1-PA-1234")
    if v1.AssignedDriverID != "drv_1" {
        t.Fatalf("original binding disturbed: %+v", v1)
    }
    v2, _ := m.GetVehicle(ctx, tn, "BA-1-PA-5678")
    if v2.AssignedDriverID != "" {
        t.Fatalf("second vehicle bound despite rejection: %+v", v2)
    }
}

func TestAssignDriverToRouteEnforcesSingleActive(t *testing.T) {
    c, m := setup(t)
    ctx := context.Background()
    rt1, _ := m.CreateRoute(ctx, model.Route{TenantID: tn, Name: "r1", Status: model.RouteActive})
    rt2, _ := m.CreateRoute(ctx, model.Route{TenantID: tn, Name: "r2", Status: model.RouteActive})

    if _, err := c.AssignDriverToRoute(ctx, tn, rt1.ID, "drv_1"); err != nil {
        t.Fatalf("first route: %v", err)
    }
    _, err := c.AssignDriverToRoute(ctx, tn, rt2.ID, "drv_1")
    if code := constraintCode(t, err); code != CodeDriverBusy {
        t.Fatalf("code: %s", code)
    }
    // re-assigning the same route is allowed
    got, _ := m.GetRoute(ctx, tn, rt1.ID)
    if _, err := c.AssignDriverToRoute(ctx, tn, rt1.ID, "drv_1"); err != nil {
        t.Fatalf("reassign same route: %v", err)
    }
    after, _ := m.GetRoute(ctx, tn, rt1.ID)
    if after.Version != got.Version+1 {
        t.Fatalf("reassign did not go through store: %d -> %d", got.Version, after.Version)
    }
}

func TestAssignDriverToCompletedRouteFreesDriver(t *testing.T) {
    c, m := setup(t)
    ctx := context.Background()
    rt1, _ := m.CreateRoute(ctx, model.Route{TenantID: tn, Name: "r1", Status: model.RouteActive})
    rt2, _ := m.CreateRoute(ctx, model.Route{TenantID: tn, Name: "r2", Status: model.RouteActive})

    rt1, err := c.AssignDriverToRoute(ctx, tn, rt1.ID, "drv_1")
    if err != nil {
        t.Fatalf("assign: %v", err)
    }
    rt1.Status = model.RouteCompleted
    if _, err := m.UpdateRoute(ctx, rt1); err != nil {
        t.Fatalf("complete route: %v", err)
    }
    if _, err := c.AssignDriverToRoute(ctx, tn, rt2.ID, "drv_1"); err != nil {
        t.Fatalf("driver with only completed routes should be free: %v", err)
    }
}

func seedConfirmed(t *testing.T, m *store.Memory) model.CollectionRequest {
    t.Helper()
    ctx := context.Background()
    r := lifecycle.NewRequest(tn, model.RequestIn{
        CustomerID:    "cust_1",
        RequestedDate: "2025-06-05",
        TimeSlot:      model.SlotMorning,
        Items:         []model.WasteItem{{Category: model.WasteMixed, EstimatedWeightKg: 10}},
        Location:      model.GeoPoint{Lon: 85.3, Lat: 27.7},
    }, asNow)
    r, err := m.CreateRequest(ctx, r)
    if err != nil {
        t.Fatalf("create: %v", err)
    }
    if err := lifecycle.Confirm(&r, asNow); err != nil {
        t.Fatalf("confirm: %v", err)
    }
    r, err = m.UpdateRequest(ctx, r)
    if err != nil {
        t.Fatalf("persist confirm: %v", err)
    }
    return r
}

func TestAssignRequestUsesDriversVehicle(t *testing.T) {
    c, m := setup(t)
    ctx := context.Background()
    if _, err := c.AssignVehicleToDriver(ctx, tn, "BA-1-PA-1234", "drv_1"); err != nil {
        t.Fatalf("bind vehicle: %v", err)
    }
    r := seedConfirmed(t, m)
    got, err := c.AssignRequestToDriver(ctx, tn, r.ID, model.AssignRequestIn{DriverID: "drv_1"}, asNow)
    if err != nil {
        t.Fatalf("assign request: %v", err)
    }
    if got.Status != model.StatusAssigned || got.DriverID != "drv_1" || got.VehicleID != "BA-1-PA-1234" {
        t.Fatalf("assigned request: %+v", got)
    }
}

func TestAssignRequestExplicitVehicleMustExist(t *testing.T) {
    c, m := setup(t)
    ctx := context.Background()
    r := seedConfirmed(t, m)
    _, err := c.AssignRequestToDriver(ctx, tn, r.ID, model.AssignRequestIn{DriverID: "drv_1", VehicleID: "NO-SUCH"}, asNow)
    if !errors.Is(err, store.ErrNotFound) {
        t.Fatalf("unknown vehicle: %v", err)
    }
}

func TestAssignRequestGuardsStatus(t *testing.T) {
    c, m := setup(t)
    ctx := context.Background()
    // still pending, never confirmed
    r := lifecycle.NewRequest(tn, model.RequestIn{CustomerID: "cust_1", RequestedDate: "2025-06-05", TimeSlot: model.SlotMorning}, asNow)
    r, _ = m.CreateRequest(ctx, r)

    _, err := c.AssignRequestToDriver(ctx, tn, r.ID, model.AssignRequestIn{DriverID: "drv_1"}, asNow)
    var ite *lifecycle.InvalidTransitionError
    if !errors.As(err, &ite) {
        t.Fatalf("expected transition error, got %v", err)
    }
    cur, _ := m.GetRequest(ctx, tn, r.ID)
    if cur.Status != model.StatusPending || cur.DriverID != "" {
        t.Fatalf("failed assign must not persist anything: %+v", cur)
    }
}
