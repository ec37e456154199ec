package store

import (
    "context"
    "sync"
    "time"

    "github.com/google/uuid"
    "wastenav/internal/lifecycle"
    "wastenav/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu       sync.Mutex
    requests map[string]model.CollectionRequest // id -> request
    reqByTen map[string][]string                // tenant -> request ids
    codes    map[string]string                  // tenant|code -> request id
    routes   map[string]model.Route             // id -> route
    rtByTen  map[string][]string                // tenant -> route ids
    users    map[string]model.User              // id -> user
    vehicles map[string]model.Vehicle           // tenant|plate -> vehicle
    vehByTen map[string][]string                // tenant -> plates
    subs     map[string][]model.Subscription    // tenant -> subscriptions
    // Webhooks queue state
    deliveries         map[string]*memDelivery // id -> delivery state
    deliveriesByTenant map[string][]string     // tenant -> delivery ids
}

func NewMemory() *Memory {
    return &Memory{
        requests: map[string]model.CollectionRequest{},
        reqByTen: map[string][]string{},
        codes: map[string]string{},
        routes: map[string]model.Route{},
        rtByTen: map[string][]string{},
        users: map[string]model.User{},
        vehicles: map[string]model.Vehicle{},
        vehByTen: map[string][]string{},
        subs: map[string][]model.Subscription{},
        deliveries: map[string]*memDelivery{},
        deliveriesByTenant: map[string][]string{},
    }
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
    ResponseCode  int
    LatencyMs     int
    DeliveredAt   *time.Time
}

func codeKey(tenantID, code string) string { return tenantID + "|" + code }

// Requests

func (m *Memory) CreateRequest(ctx context.Context, r model.CollectionRequest) (model.CollectionRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    // code collisions are near-impossible but regenerate rather than fail
    for i := 0; i < 3; i++ {
        if _, taken := m.codes[codeKey(r.TenantID, r.Code)]; !taken { break }
        r.Code = lifecycle.NewCode(time.Now())
    }
    if _, taken := m.codes[codeKey(r.TenantID, r.Code)]; taken { return model.CollectionRequest{}, ErrConflict }
    if r.ID == "" { r.ID = uuid.New().String() }
    r.Version = 1
    m.requests[r.ID] = r
    m.reqByTen[r.TenantID] = append(m.reqByTen[r.TenantID], r.ID)
    m.codes[codeKey(r.TenantID, r.Code)] = r.ID
    return r, nil
}

func (m *Memory) GetRequest(ctx context.Context, tenantID, id string) (model.CollectionRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    r, ok := m.requests[id]
    if !ok || r.TenantID != tenantID { return model.CollectionRequest{}, ErrNotFound }
    return r, nil
}

func (m *Memory) GetRequestByCode(ctx context.Context, tenantID, code string) (model.CollectionRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id, ok := m.codes[codeKey(tenantID, code)]
    if !ok { return model.CollectionRequest{}, ErrNotFound }
    return m.requests[id], nil
}

func matchRequest(r model.CollectionRequest, f RequestFilter) bool {
    if f.Status != "" && r.Status != f.Status { return false }
    if f.CustomerID != "" && r.CustomerID != f.CustomerID { return false }
    if f.DriverID != "" && r.DriverID != f.DriverID { return false }
    if f.Date != "" && r.RequestedDate != f.Date { return false }
    return true
}

func (m *Memory) ListRequests(ctx context.Context, tenantID string, f RequestFilter, cursor string, limit int) ([]model.CollectionRequest, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.reqByTen[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.CollectionRequest{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        r := m.requests[ids[i]]
        if matchRequest(r, f) { out = append(out, r) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) UpdateRequest(ctx context.Context, r model.CollectionRequest) (model.CollectionRequest, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.updateRequestLocked(r)
}

func (m *Memory) updateRequestLocked(r model.CollectionRequest) (model.CollectionRequest, error) {
    cur, ok := m.requests[r.ID]
    if !ok || cur.TenantID != r.TenantID { return model.CollectionRequest{}, ErrNotFound }
    if cur.Version != r.Version { return model.CollectionRequest{}, ErrConflict }
    r.Version++
    m.requests[r.ID] = r
    return r, nil
}

func (m *Memory) CreateRescheduledPair(ctx context.Context, original, created model.CollectionRequest) (model.ReschedulePair, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if _, taken := m.codes[codeKey(created.TenantID, created.Code)]; taken {
        created.Code = lifecycle.NewCode(time.Now())
    }
    upd, err := m.updateRequestLocked(original)
    if err != nil { return model.ReschedulePair{}, err }
    created.Version = 1
    m.requests[created.ID] = created
    m.reqByTen[created.TenantID] = append(m.reqByTen[created.TenantID], created.ID)
    m.codes[codeKey(created.TenantID, created.Code)] = created.ID
    return model.ReschedulePair{Original: upd, Created: created}, nil
}

func (m *Memory) RequestStats(ctx context.Context, tenantID string) (map[string]any, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    byStatus := map[string]int{}
    total := 0
    collected := 0.0
    for _, id := range m.reqByTen[tenantID] {
        r := m.requests[id]
        byStatus[string(r.Status)]++
        total++
        if r.Execution != nil { collected += r.Execution.TotalWeightKg }
    }
    return map[string]any{"total": total, "byStatus": byStatus, "collectedWeightKg": collected}, nil
}

// Routes

func (m *Memory) CreateRoute(ctx context.Context, rt model.Route) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if rt.ID == "" { rt.ID = uuid.New().String() }
    rt.Version = 1
    m.routes[rt.ID] = rt
    m.rtByTen[rt.TenantID] = append(m.rtByTen[rt.TenantID], rt.ID)
    return rt, nil
}

func (m *Memory) GetRoute(ctx context.Context, tenantID, id string) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    rt, ok := m.routes[id]
    if !ok || rt.TenantID != tenantID { return model.Route{}, ErrNotFound }
    return rt, nil
}

func (m *Memory) ListRoutes(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Route, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.rtByTen[tenantID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Route{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        rt := m.routes[ids[i]]
        if status == "" || string(rt.Status) == status { out = append(out, rt) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) UpdateRoute(ctx context.Context, rt model.Route) (model.Route, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    cur, ok := m.routes[rt.ID]
    if !ok || cur.TenantID != rt.TenantID { return model.Route{}, ErrNotFound }
    if cur.Version != rt.Version { return model.Route{}, ErrConflict }
    rt.Version++
    m.routes[rt.ID] = rt
    return rt, nil
}

func (m *Memory) ListActiveRoutesForDriver(ctx context.Context, tenantID, driverID string) ([]string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []string{}
    for _, id := range m.rtByTen[tenantID] {
        rt := m.routes[id]
        if rt.DriverID == driverID && (rt.Status == model.RouteActive || rt.Status == model.RouteInProgress) {
            out = append(out, id)
        }
    }
    return out, nil
}

func (m *Memory) RouteStats(ctx context.Context, tenantID string) (map[string]any, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    routes := 0
    stops := 0
    dist := 0.0
    co2 := 0.0
    for _, id := range m.rtByTen[tenantID] {
        rt := m.routes[id]
        routes++
        stops += len(rt.Stops)
        dist += rt.Metrics.TotalDistanceKm
        co2 += rt.Metrics.CO2EmissionsKg
    }
    return map[string]any{"routes": routes, "stops": stops, "totalDistanceKm": dist, "co2Kg": co2}, nil
}

// Users / vehicles

func (m *Memory) CreateUser(ctx context.Context, u model.User) (model.User, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    if u.ID == "" { u.ID = uuid.New().String() }
    m.users[u.ID] = u
    return u, nil
}

func (m *Memory) GetUser(ctx context.Context, tenantID, id string) (model.User, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    u, ok := m.users[id]
    if !ok || u.TenantID != tenantID { return model.User{}, ErrNotFound }
    return u, nil
}

func (m *Memory) CreateVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    key := codeKey(v.TenantID, v.Plate)
    if _, exists := m.vehicles[key]; exists { return model.Vehicle{}, ErrConflict }
    if v.Status == "" { v.Status = "available" }
    m.vehicles[key] = v
    m.vehByTen[v.TenantID] = append(m.vehByTen[v.TenantID], v.Plate)
    return v, nil
}

func (m *Memory) GetVehicle(ctx context.Context, tenantID, plate string) (model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    v, ok := m.vehicles[codeKey(tenantID, plate)]
    if !ok || v.Deleted { return model.Vehicle{}, ErrNotFound }
    return v, nil
}

func (m *Memory) ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    plates := m.vehByTen[tenantID]
    start := 0
    if cursor != "" {
        for i, p := range plates {
            if p == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Vehicle{}
    var next string
    for i := start; i < len(plates) && len(out) < limit; i++ {
        v := m.vehicles[codeKey(tenantID, plates[i])]
        if !v.Deleted { out = append(out, v) }
        next = plates[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) BindVehicleToDriver(ctx context.Context, tenantID, plate, driverID string) (model.Vehicle, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    key := codeKey(tenantID, plate)
    v, ok := m.vehicles[key]
    if !ok || v.Deleted { return model.Vehicle{}, ErrNotFound }
    u, ok := m.users[driverID]
    if !ok || u.TenantID != tenantID { return model.Vehicle{}, ErrNotFound }
    if v.AssignedDriverID != "" && v.AssignedDriverID != driverID { return model.Vehicle{}, ErrConflict }
    // a driver holding a different vehicle must unbind it first
    if u.AssignedVehicle != "" && u.AssignedVehicle != plate { return model.Vehicle{}, ErrConflict }
    v.AssignedDriverID = driverID
    u.AssignedVehicle = plate
    m.vehicles[key] = v
    m.users[driverID] = u
    return v, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs[tenantID] {
        for _, e := range s.Events {
            if e == eventType { out = append(out, s); break }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    list := m.subs[tenantID]
    start := 0
    if cursor != "" {
        for i := range list { if list[i].ID == cursor { start = i + 1; break } }
    }
    if limit <= 0 { limit = 100 }
    end := start + limit
    if end > len(list) { end = len(list) }
    items := append([]model.Subscription(nil), list[start:end]...)
    next := ""
    if end < len(list) { next = list[end-1].ID }
    return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    arr := m.subs[tenantID]
    out := make([]model.Subscription, 0, len(arr))
    for _, s := range arr { if s.ID != id { out = append(out, s) } }
    m.subs[tenantID] = out
    return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    id := uuid.New().String()
    d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending", Attempts: 0}, NextAttemptAt: time.Now()}
    m.deliveries[id] = d
    m.deliveriesByTenant[tenantID] = append(m.deliveriesByTenant[tenantID], id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, lst := range m.deliveriesByTenant {
        for _, id := range lst {
            d := m.deliveries[id]
            if d == nil { continue }
            if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
                out = append(out, d.WebhookDelivery)
                if limit > 0 && len(out) >= limit { return out, nil }
            }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d == nil { return nil }
    d.Attempts++
    d.ResponseCode = responseCode
    d.LatencyMs = latencyMs
    if success {
        d.Status = "delivered"
        now := time.Now()
        d.DeliveredAt = &now
    } else {
        d.Status = "retry"
        d.LastError = lastError
        if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(1 * time.Minute) }
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil {
        d.Status = "failed"
        d.LastError = lastError
        d.ResponseCode = responseCode
        d.LatencyMs = latencyMs
    }
    return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []map[string]any{}
    for _, id := range m.deliveriesByTenant[tenantID] {
        d := m.deliveries[id]
        if d == nil { continue }
        if status == "" || d.Status == status {
            item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
            if !d.NextAttemptAt.IsZero() { item["nextAttemptAt"] = d.NextAttemptAt }
            if d.LastError != "" { item["lastError"] = d.LastError }
            out = append(out, item)
        }
    }
    return out, "", nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    d := m.deliveries[id]
    if d != nil && d.TenantID == tenantID {
        d.Status = "pending"
        d.NextAttemptAt = time.Now()
    }
    return nil
}
