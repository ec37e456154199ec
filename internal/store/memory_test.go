package store

import (
    "context"
    "errors"
    "testing"
    "time"

    "wastenav/internal/lifecycle"
    "wastenav/internal/model"
)

const tn = "t_test"

var memNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func seedRequest(t *testing.T, m *Memory) model.CollectionRequest {
    t.Helper()
    r := lifecycle.NewRequest(tn, model.RequestIn{
        CustomerID:    "cust_1",
        RequestedDate: "2025-06-05",
        TimeSlot:      model.SlotMorning,
        Items:         []model.WasteItem{{Category: model.WasteOrganic, EstimatedWeightKg: 5}},
        Location:      model.GeoPoint{Lon: 85.3, Lat: 27.7},
    }, memNow)
    created, err := m.CreateRequest(context.Background(), r)
    if err != nil {
        t.Fatalf("create request: %v", err)
    }
    return created
}

func TestCreateRequestAssignsVersion(t *testing.T) {
    m := NewMemory()
    r := seedRequest(t, m)
    if r.Version != 1 {
        t.Fatalf("fresh request version: %d", r.Version)
    }
    got, err := m.GetRequest(context.Background(), tn, r.ID)
    if err != nil || got.Code != r.Code {
        t.Fatalf("get after create: %v %+v", err, got)
    }
    byCode, err := m.GetRequestByCode(context.Background(), tn, r.Code)
    if err != nil || byCode.ID != r.ID {
        t.Fatalf("get by code: %v", err)
    }
}

func TestGetRequestTenantIsolation(t *testing.T) {
    m := NewMemory()
    r := seedRequest(t, m)
    if _, err := m.GetRequest(context.Background(), "t_other", r.ID); !errors.Is(err, ErrNotFound) {
        t.Fatalf("cross-tenant get should be not found, got %v", err)
    }
}

func TestUpdateRequestConflict(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    r := seedRequest(t, m)

    a := r
    b := r
    if err := lifecycle.Confirm(&a, memNow); err != nil {
        t.Fatalf("confirm: %v", err)
    }
    upd, err := m.UpdateRequest(ctx, a)
    if err != nil {
        t.Fatalf("first update: %v", err)
    }
    if upd.Version != r.Version+1 {
        t.Fatalf("version not bumped: %d", upd.Version)
    }

    // second writer still holds the old version
    if err := lifecycle.Cancel(&b, "changed my mind", memNow); err != nil {
        t.Fatalf("cancel: %v", err)
    }
    if _, err := m.UpdateRequest(ctx, b); !errors.Is(err, ErrConflict) {
        t.Fatalf("stale update should conflict, got %v", err)
    }
    cur, _ := m.GetRequest(ctx, tn, r.ID)
    if cur.Status != model.StatusConfirmed {
        t.Fatalf("loser must not overwrite: %s", cur.Status)
    }
}

func TestCreateRescheduledPair(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    r := seedRequest(t, m)

    repl, err := lifecycle.Reschedule(&r, model.RescheduleIn{NewDate: "2025-06-10", NewTimeSlot: model.SlotEvening}, memNow)
    if err != nil {
        t.Fatalf("reschedule: %v", err)
    }
    pair, err := m.CreateRescheduledPair(ctx, r, repl)
    if err != nil {
        t.Fatalf("pair: %v", err)
    }
    if pair.Original.Status != model.StatusRescheduled || pair.Created.Status != model.StatusPending {
        t.Fatalf("pair statuses: %s / %s", pair.Original.Status, pair.Created.Status)
    }
    if pair.Created.Version != 1 {
        t.Fatalf("created version: %d", pair.Created.Version)
    }
    if _, err := m.GetRequest(ctx, tn, pair.Created.ID); err != nil {
        t.Fatalf("created not persisted: %v", err)
    }
    if _, err := m.GetRequestByCode(ctx, tn, pair.Created.Code); err != nil {
        t.Fatalf("created code not indexed: %v", err)
    }
}

func TestCreateRescheduledPairConflictLeavesNothing(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    r := seedRequest(t, m)

    stale := r
    repl, _ := lifecycle.Reschedule(&stale, model.RescheduleIn{NewDate: "2025-06-10", NewTimeSlot: model.SlotMorning}, memNow)

    // someone else cancels first
    winner := r
    _ = lifecycle.Cancel(&winner, "gone", memNow)
    if _, err := m.UpdateRequest(ctx, winner); err != nil {
        t.Fatalf("winner update: %v", err)
    }

    if _, err := m.CreateRescheduledPair(ctx, stale, repl); !errors.Is(err, ErrConflict) {
        t.Fatalf("stale pair should conflict, got %v", err)
    }
    if _, err := m.GetRequest(ctx, tn, repl.ID); !errors.Is(err, ErrNotFound) {
        t.Fatalf("replacement must not exist after failed pair, got %v", err)
    }
}

func TestListRequestsFilters(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    a := seedRequest(t, m)
    b := seedRequest(t, m)
    _ = a

    conf := b
    _ = lifecycle.Confirm(&conf, memNow)
    if _, err := m.UpdateRequest(ctx, conf); err != nil {
        t.Fatalf("update: %v", err)
    }

    items, _, err := m.ListRequests(ctx, tn, RequestFilter{Status: model.StatusConfirmed}, "", 50)
    if err != nil {
        t.Fatalf("list: %v", err)
    }
    if len(items) != 1 || items[0].ID != b.ID {
        t.Fatalf("status filter: %+v", items)
    }
    items, _, _ = m.ListRequests(ctx, tn, RequestFilter{CustomerID: "nobody"}, "", 50)
    if len(items) != 0 {
        t.Fatalf("customer filter should match nothing: %+v", items)
    }
}

func TestListRequestsCursor(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    for i := 0; i < 5; i++ {
        seedRequest(t, m)
    }
    first, next, err := m.ListRequests(ctx, tn, RequestFilter{}, "", 2)
    if err != nil || len(first) != 2 || next == "" {
        t.Fatalf("first page: %v len=%d next=%q", err, len(first), next)
    }
    second, _, err := m.ListRequests(ctx, tn, RequestFilter{}, next, 10)
    if err != nil || len(second) != 3 {
        t.Fatalf("second page: %v len=%d", err, len(second))
    }
    if second[0].ID == first[0].ID || second[0].ID == first[1].ID {
        t.Fatalf("pages overlap")
    }
}

func TestUpdateRouteConflict(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    rt, err := m.CreateRoute(ctx, model.Route{TenantID: tn, Name: "ward 4 morning", Status: model.RouteActive})
    if err != nil {
        t.Fatalf("create route: %v", err)
    }
    a := rt
    a.Name = "ward 4 early"
    if _, err := m.UpdateRoute(ctx, a); err != nil {
        t.Fatalf("update: %v", err)
    }
    b := rt
    b.Name = "ward 4 late"
    if _, err := m.UpdateRoute(ctx, b); !errors.Is(err, ErrConflict) {
        t.Fatalf("stale route update should conflict, got %v", err)
    }
}

func TestListActiveRoutesForDriver(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    mk := func(status model.RouteStatus, driver string) {
        if _, err := m.CreateRoute(ctx, model.Route{TenantID: tn, DriverID: driver, Status: status}); err != nil {
            t.Fatalf("create: %v", err)
        }
    }
    mk(model.RouteActive, "drv_1")
    mk(model.RouteInProgress, "drv_1")
    mk(model.RouteCompleted, "drv_1")
    mk(model.RouteActive, "drv_2")
    ids, err := m.ListActiveRoutesForDriver(ctx, tn, "drv_1")
    if err != nil {
        t.Fatalf("list: %v", err)
    }
    if len(ids) != 2 {
        t.Fatalf("active routes for drv_1: %v", ids)
    }
}

func TestBindVehicleToDriver(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    if _, err := m.CreateUser(ctx, model.User{ID: "drv_1", TenantID: tn, Role: "driver"}); err != nil {
        t.Fatalf("user: %v", err)
    }
    if _, err := m.CreateUser(ctx, model.User{ID: "drv_2", TenantID: tn, Role: "driver"}); err != nil {
        t.Fatalf("user: %v", err)
    }
    if _, err := m.CreateVehicle(ctx, model.Vehicle{TenantID: tn, Plate: "BA-1-PA-1234"}); err != nil {
        t.Fatalf("vehicle: %v", err)
    }
    v, err := m.BindVehicleToDriver(ctx, tn, "BA-1-PA-1234", "drv_1")
    if err != nil || v.AssignedDriverID != "drv_1" {
        t.Fatalf("bind: %v %+v", err, v)
    }
    u, _ := m.GetUser(ctx, tn, "drv_1")
    if u.AssignedVehicle != "BA-1-PA-1234" {
        t.Fatalf("driver side of binding not set: %+v", u)
    }
    if _, err := m.BindVehicleToDriver(ctx, tn, "BA-1-PA-1234", "drv_2"); !errors.Is(err, ErrConflict) {
        t.Fatalf("double bind should conflict, got %v", err)
    }
}

func TestBindVehicleDriverAlreadyBound(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    _, _ = m.CreateUser(ctx, model.User{ID: "drv_1", TenantID: tn, Role: "driver"})
    _, _ = m.CreateVehicle(ctx, model.Vehicle{TenantID: tn, Plate: "V1"})
    _, _ = m.CreateVehicle(ctx, model.Vehicle{TenantID: tn, Plate: "V2"})
    if _, err := m.BindVehicleToDriver(ctx, tn, "V1", "drv_1"); err != nil {
        t.Fatalf("bind V1: %v", err)
    }
    if _, err := m.BindVehicleToDriver(ctx, tn, "V2", "drv_1"); !errors.Is(err, ErrConflict) {
        t.Fatalf("binding a second vehicle should conflict, got %v", err)
    }
    v1, _ := m.GetVehicle(ctx, tn, "V1")
    if v1.AssignedDriverID != "drv_1" {
        t.Fatalf("existing binding disturbed: %+v", v1)
    }
    v2, _ := m.GetVehicle(ctx, tn, "V2")
    if v2.AssignedDriverID != "" {
        t.Fatalf("rejected bind left a driver on V2: %+v", v2)
    }
    u, _ := m.GetUser(ctx, tn, "drv_1")
    if u.AssignedVehicle != "V1" {
        t.Fatalf("driver side of binding changed: %+v", u)
    }
}

func TestWebhookQueueRoundTrip(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    id, err := m.EnqueueWebhook(ctx, tn, "sub_1", "request.created", "http://example.com/hook", "s3cr3t", []byte(`{}`))
    if err != nil {
        t.Fatalf("enqueue: %v", err)
    }
    due, err := m.FetchDueWebhookDeliveries(ctx, 10)
    if err != nil || len(due) != 1 || due[0].ID != id {
        t.Fatalf("due: %v %+v", err, due)
    }
    next := time.Now().Add(time.Hour)
    if err := m.MarkWebhookDelivery(ctx, id, false, &next, "boom", 500, 20); err != nil {
        t.Fatalf("mark: %v", err)
    }
    due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 0 {
        t.Fatalf("retry not due yet, got %+v", due)
    }
    if err := m.RetryWebhookDelivery(ctx, tn, id); err != nil {
        t.Fatalf("retry: %v", err)
    }
    due, _ = m.FetchDueWebhookDeliveries(ctx, 10)
    if len(due) != 1 || due[0].Attempts != 1 {
        t.Fatalf("requeued delivery: %+v", due)
    }
}

func TestRequestStats(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    r := seedRequest(t, m)
    _ = lifecycle.Confirm(&r, memNow)
    r, _ = m.UpdateRequest(ctx, r)
    _ = lifecycle.AssignDriver(&r, "drv_1", "", memNow)
    r, _ = m.UpdateRequest(ctx, r)
    _ = lifecycle.Start(&r)
    r, _ = m.UpdateRequest(ctx, r)
    _ = lifecycle.Complete(&r, model.CompleteRequestIn{Items: []model.WasteItem{{Category: model.WasteOrganic, EstimatedWeightKg: 4}}}, memNow)
    if _, err := m.UpdateRequest(ctx, r); err != nil {
        t.Fatalf("final update: %v", err)
    }
    seedRequest(t, m)

    stats, err := m.RequestStats(ctx, tn)
    if err != nil {
        t.Fatalf("stats: %v", err)
    }
    if stats["total"] != 2 {
        t.Fatalf("total: %v", stats["total"])
    }
    by := stats["byStatus"].(map[string]int)
    if by["completed"] != 1 || by["pending"] != 1 {
        t.Fatalf("byStatus: %v", by)
    }
    if stats["collectedWeightKg"] != 4.0 {
        t.Fatalf("collected weight: %v", stats["collectedWeightKg"])
    }
}
