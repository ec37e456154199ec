package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    "github.com/jackc/pgx/v5/pgconn"
    _ "github.com/jackc/pgx/v5/stdlib"

    "wastenav/internal/lifecycle"
    "wastenav/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies the *.sql files in dir in lexical order, recording each
// applied filename in schema_migrations so reruns are no-ops.
func MigrateDir(ctx context.Context, db *sql.DB, dir string) error {
    if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
        return err
    }
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    names := []string{}
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    for _, name := range names {
        var done int
        err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE filename=$1`, name).Scan(&done)
        if err == nil { continue }
        if !errors.Is(err, sql.ErrNoRows) { return err }
        body, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return err }
        tx, err := db.BeginTx(ctx, nil)
        if err != nil { return err }
        if _, err := tx.ExecContext(ctx, string(body)); err != nil {
            _ = tx.Rollback()
            return fmt.Errorf("migration %s: %w", name, err)
        }
        if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
            _ = tx.Rollback()
            return err
        }
        if err := tx.Commit(); err != nil { return err }
    }
    return nil
}

func (p *Postgres) MigrateDir(ctx context.Context, dir string) error {
    return MigrateDir(ctx, p.db, dir)
}

// Requests are stored as a JSONB document plus the columns the queries touch.
// The document is the source of truth; the columns are kept in sync on every
// write.

func isUniqueViolation(err error) bool {
    var pg *pgconn.PgError
    return errors.As(err, &pg) && pg.Code == "23505"
}

func (p *Postgres) CreateRequest(ctx context.Context, r model.CollectionRequest) (model.CollectionRequest, error) {
    if r.ID == "" { r.ID = uuid.New().String() }
    r.Version = 1
    for attempt := 0; ; attempt++ {
        doc, err := json.Marshal(r)
        if err != nil { return model.CollectionRequest{}, err }
        _, err = p.db.ExecContext(ctx, `INSERT INTO collection_requests (id, tenant_id, code, customer_id, driver_id, status, requested_date, version, doc) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
            r.ID, r.TenantID, r.Code, r.CustomerID, nullIfEmpty(r.DriverID), r.Status, r.RequestedDate, r.Version, doc)
        if err == nil { return r, nil }
        if isUniqueViolation(err) && attempt < 3 {
            r.Code = lifecycle.NewCode(time.Now())
            continue
        }
        return model.CollectionRequest{}, err
    }
}

func scanRequestDoc(row interface{ Scan(...any) error }) (model.CollectionRequest, error) {
    var doc []byte
    if err := row.Scan(&doc); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.CollectionRequest{}, ErrNotFound }
        return model.CollectionRequest{}, err
    }
    var r model.CollectionRequest
    if err := json.Unmarshal(doc, &r); err != nil { return model.CollectionRequest{}, err }
    return r, nil
}

func (p *Postgres) GetRequest(ctx context.Context, tenantID, id string) (model.CollectionRequest, error) {
    row := p.db.QueryRowContext(ctx, `SELECT doc FROM collection_requests WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return scanRequestDoc(row)
}

func (p *Postgres) GetRequestByCode(ctx context.Context, tenantID, code string) (model.CollectionRequest, error) {
    row := p.db.QueryRowContext(ctx, `SELECT doc FROM collection_requests WHERE tenant_id=$1 AND code=$2`, tenantID, code)
    return scanRequestDoc(row)
}

func (p *Postgres) ListRequests(ctx context.Context, tenantID string, f RequestFilter, cursor string, limit int) ([]model.CollectionRequest, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT doc FROM collection_requests WHERE tenant_id=$1`
    args := []any{tenantID}
    add := func(cond string, v any) {
        args = append(args, v)
        q += fmt.Sprintf(" AND %s=$%d", cond, len(args))
    }
    if f.Status != "" { add("status", string(f.Status)) }
    if f.CustomerID != "" { add("customer_id", f.CustomerID) }
    if f.DriverID != "" { add("driver_id", f.DriverID) }
    if f.Date != "" { add("requested_date", f.Date) }
    if cursor != "" {
        args = append(args, cursor)
        q += fmt.Sprintf(" AND id::text > $%d", len(args))
    }
    args = append(args, limit)
    q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))

    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.CollectionRequest{}
    var last string
    for rows.Next() {
        var doc []byte
        if err := rows.Scan(&doc); err != nil { return nil, "", err }
        var r model.CollectionRequest
        if err := json.Unmarshal(doc, &r); err != nil { return nil, "", err }
        out = append(out, r)
        last = r.ID
    }
    var next string
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) UpdateRequest(ctx context.Context, r model.CollectionRequest) (model.CollectionRequest, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.CollectionRequest{}, err }
    defer func() { _ = tx.Rollback() }()
    upd, err := updateRequestTx(ctx, tx, r)
    if err != nil { return model.CollectionRequest{}, err }
    if err := tx.Commit(); err != nil { return model.CollectionRequest{}, err }
    return upd, nil
}

func updateRequestTx(ctx context.Context, tx *sql.Tx, r model.CollectionRequest) (model.CollectionRequest, error) {
    expected := r.Version
    r.Version++
    doc, err := json.Marshal(r)
    if err != nil { return model.CollectionRequest{}, err }
    res, err := tx.ExecContext(ctx, `UPDATE collection_requests SET customer_id=$1, driver_id=$2, status=$3, requested_date=$4, version=$5, doc=$6 WHERE tenant_id=$7 AND id=$8 AND version=$9`,
        r.CustomerID, nullIfEmpty(r.DriverID), r.Status, r.RequestedDate, r.Version, doc, r.TenantID, r.ID, expected)
    if err != nil { return model.CollectionRequest{}, err }
    n, err := res.RowsAffected()
    if err != nil { return model.CollectionRequest{}, err }
    if n == 0 {
        var one int
        err := tx.QueryRowContext(ctx, `SELECT 1 FROM collection_requests WHERE tenant_id=$1 AND id=$2`, r.TenantID, r.ID).Scan(&one)
        if errors.Is(err, sql.ErrNoRows) { return model.CollectionRequest{}, ErrNotFound }
        if err != nil { return model.CollectionRequest{}, err }
        return model.CollectionRequest{}, ErrConflict
    }
    return r, nil
}

func (p *Postgres) CreateRescheduledPair(ctx context.Context, original, created model.CollectionRequest) (model.ReschedulePair, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.ReschedulePair{}, err }
    defer func() { _ = tx.Rollback() }()

    upd, err := updateRequestTx(ctx, tx, original)
    if err != nil { return model.ReschedulePair{}, err }

    if created.ID == "" { created.ID = uuid.New().String() }
    created.Version = 1
    doc, err := json.Marshal(created)
    if err != nil { return model.ReschedulePair{}, err }
    _, err = tx.ExecContext(ctx, `INSERT INTO collection_requests (id, tenant_id, code, customer_id, driver_id, status, requested_date, version, doc) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
        created.ID, created.TenantID, created.Code, created.CustomerID, nullIfEmpty(created.DriverID), created.Status, created.RequestedDate, created.Version, doc)
    if err != nil { return model.ReschedulePair{}, err }

    if err := tx.Commit(); err != nil { return model.ReschedulePair{}, err }
    return model.ReschedulePair{Original: upd, Created: created}, nil
}

func (p *Postgres) RequestStats(ctx context.Context, tenantID string) (map[string]any, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM collection_requests WHERE tenant_id=$1 GROUP BY status`, tenantID)
    if err != nil { return nil, err }
    defer rows.Close()
    byStatus := map[string]int{}
    total := 0
    for rows.Next() {
        var st string
        var n int
        if err := rows.Scan(&st, &n); err != nil { return nil, err }
        byStatus[st] = n
        total += n
    }
    if err := rows.Err(); err != nil { return nil, err }
    var collected sql.NullFloat64
    err = p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM((doc->'execution'->>'totalWeightKg')::float8),0) FROM collection_requests WHERE tenant_id=$1 AND status='completed'`, tenantID).Scan(&collected)
    if err != nil { return nil, err }
    return map[string]any{"total": total, "byStatus": byStatus, "collectedWeightKg": collected.Float64}, nil
}

// Routes

func (p *Postgres) CreateRoute(ctx context.Context, rt model.Route) (model.Route, error) {
    if rt.ID == "" { rt.ID = uuid.New().String() }
    rt.Version = 1
    doc, err := json.Marshal(rt)
    if err != nil { return model.Route{}, err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO routes (id, tenant_id, name, status, driver_id, version, doc) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
        rt.ID, rt.TenantID, rt.Name, rt.Status, nullIfEmpty(rt.DriverID), rt.Version, doc)
    if err != nil { return model.Route{}, err }
    return rt, nil
}

func (p *Postgres) GetRoute(ctx context.Context, tenantID, id string) (model.Route, error) {
    var doc []byte
    err := p.db.QueryRowContext(ctx, `SELECT doc FROM routes WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&doc)
    if errors.Is(err, sql.ErrNoRows) { return model.Route{}, ErrNotFound }
    if err != nil { return model.Route{}, err }
    var rt model.Route
    if err := json.Unmarshal(doc, &rt); err != nil { return model.Route{}, err }
    return rt, nil
}

func (p *Postgres) ListRoutes(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Route, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT doc FROM routes WHERE tenant_id=$1`
    args := []any{tenantID}
    if status != "" {
        args = append(args, status)
        q += fmt.Sprintf(" AND status=$%d", len(args))
    }
    if cursor != "" {
        args = append(args, cursor)
        q += fmt.Sprintf(" AND id::text > $%d", len(args))
    }
    args = append(args, limit)
    q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Route{}
    var last string
    for rows.Next() {
        var doc []byte
        if err := rows.Scan(&doc); err != nil { return nil, "", err }
        var rt model.Route
        if err := json.Unmarshal(doc, &rt); err != nil { return nil, "", err }
        out = append(out, rt)
        last = rt.ID
    }
    var next string
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) UpdateRoute(ctx context.Context, rt model.Route) (model.Route, error) {
    expected := rt.Version
    rt.Version++
    doc, err := json.Marshal(rt)
    if err != nil { return model.Route{}, err }
    res, err := p.db.ExecContext(ctx, `UPDATE routes SET name=$1, status=$2, driver_id=$3, version=$4, doc=$5 WHERE tenant_id=$6 AND id=$7 AND version=$8`,
        rt.Name, rt.Status, nullIfEmpty(rt.DriverID), rt.Version, doc, rt.TenantID, rt.ID, expected)
    if err != nil { return model.Route{}, err }
    n, err := res.RowsAffected()
    if err != nil { return model.Route{}, err }
    if n == 0 {
        var one int
        err := p.db.QueryRowContext(ctx, `SELECT 1 FROM routes WHERE tenant_id=$1 AND id=$2`, rt.TenantID, rt.ID).Scan(&one)
        if errors.Is(err, sql.ErrNoRows) { return model.Route{}, ErrNotFound }
        if err != nil { return model.Route{}, err }
        return model.Route{}, ErrConflict
    }
    return rt, nil
}

func (p *Postgres) ListActiveRoutesForDriver(ctx context.Context, tenantID, driverID string) ([]string, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text FROM routes WHERE tenant_id=$1 AND driver_id=$2 AND status IN ('active','in_progress')`, tenantID, driverID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []string{}
    for rows.Next() {
        var id string
        if err := rows.Scan(&id); err != nil { return nil, err }
        out = append(out, id)
    }
    return out, rows.Err()
}

func (p *Postgres) RouteStats(ctx context.Context, tenantID string) (map[string]any, error) {
    var routes int
    var stops sql.NullInt64
    var dist, co2 sql.NullFloat64
    err := p.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(jsonb_array_length(COALESCE(doc->'stops','[]'::jsonb))),0),
        COALESCE(SUM((doc->'metrics'->>'totalDistanceKm')::float8),0), COALESCE(SUM((doc->'metrics'->>'co2EmissionsKg')::float8),0)
        FROM routes WHERE tenant_id=$1`, tenantID).Scan(&routes, &stops, &dist, &co2)
    if err != nil { return nil, err }
    return map[string]any{"routes": routes, "stops": int(stops.Int64), "totalDistanceKm": dist.Float64, "co2Kg": co2.Float64}, nil
}

// Users / vehicles

func (p *Postgres) CreateUser(ctx context.Context, u model.User) (model.User, error) {
    if u.ID == "" { u.ID = uuid.New().String() }
    _, err := p.db.ExecContext(ctx, `INSERT INTO users (id, tenant_id, name, role, assigned_vehicle) VALUES ($1,$2,$3,$4,$5)`,
        u.ID, u.TenantID, nullIfEmpty(u.Name), u.Role, nullIfEmpty(u.AssignedVehicle))
    if err != nil { return model.User{}, err }
    return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, tenantID, id string) (model.User, error) {
    var u model.User
    var name, veh sql.NullString
    err := p.db.QueryRowContext(ctx, `SELECT id::text, tenant_id, name, role, assigned_vehicle FROM users WHERE tenant_id=$1 AND id=$2`, tenantID, id).
        Scan(&u.ID, &u.TenantID, &name, &u.Role, &veh)
    if errors.Is(err, sql.ErrNoRows) { return model.User{}, ErrNotFound }
    if err != nil { return model.User{}, err }
    u.Name = name.String
    u.AssignedVehicle = veh.String
    return u, nil
}

func (p *Postgres) CreateVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error) {
    if v.Status == "" { v.Status = "available" }
    _, err := p.db.ExecContext(ctx, `INSERT INTO vehicles (tenant_id, plate, kind, capacity_m3, capacity_kg, status) VALUES ($1,$2,$3,$4,$5,$6)`,
        v.TenantID, v.Plate, nullIfEmpty(v.Kind), v.CapacityM3, v.CapacityKg, v.Status)
    if err != nil {
        if isUniqueViolation(err) { return model.Vehicle{}, ErrConflict }
        return model.Vehicle{}, err
    }
    return v, nil
}

func scanVehicle(row interface{ Scan(...any) error }) (model.Vehicle, error) {
    var v model.Vehicle
    var kind, driver sql.NullString
    err := row.Scan(&v.TenantID, &v.Plate, &kind, &v.CapacityM3, &v.CapacityKg, &v.Status, &driver, &v.Deleted)
    if errors.Is(err, sql.ErrNoRows) { return model.Vehicle{}, ErrNotFound }
    if err != nil { return model.Vehicle{}, err }
    v.Kind = kind.String
    v.AssignedDriverID = driver.String
    return v, nil
}

const vehicleCols = `tenant_id, plate, kind, COALESCE(capacity_m3,0), COALESCE(capacity_kg,0), status, assigned_driver_id, deleted`

func (p *Postgres) GetVehicle(ctx context.Context, tenantID, plate string) (model.Vehicle, error) {
    row := p.db.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE tenant_id=$1 AND plate=$2 AND NOT deleted`, tenantID, plate)
    return scanVehicle(row)
}

func (p *Postgres) ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE tenant_id=$1 AND NOT deleted AND plate > $2 ORDER BY plate LIMIT $3`, tenantID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE tenant_id=$1 AND NOT deleted ORDER BY plate LIMIT $2`, tenantID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Vehicle{}
    var last string
    for rows.Next() {
        v, err := scanVehicle(rows)
        if err != nil { return nil, "", err }
        out = append(out, v)
        last = v.Plate
    }
    var next string
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) BindVehicleToDriver(ctx context.Context, tenantID, plate, driverID string) (model.Vehicle, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return model.Vehicle{}, err }
    defer func() { _ = tx.Rollback() }()

    row := tx.QueryRowContext(ctx, `SELECT `+vehicleCols+` FROM vehicles WHERE tenant_id=$1 AND plate=$2 AND NOT deleted FOR UPDATE`, tenantID, plate)
    v, err := scanVehicle(row)
    if err != nil { return model.Vehicle{}, err }
    if v.AssignedDriverID != "" && v.AssignedDriverID != driverID { return model.Vehicle{}, ErrConflict }

    var prev sql.NullString
    err = tx.QueryRowContext(ctx, `SELECT assigned_vehicle FROM users WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, driverID).Scan(&prev)
    if errors.Is(err, sql.ErrNoRows) { return model.Vehicle{}, ErrNotFound }
    if err != nil { return model.Vehicle{}, err }
    if prev.Valid && prev.String != "" && prev.String != plate { return model.Vehicle{}, ErrConflict }
    if _, err := tx.ExecContext(ctx, `UPDATE vehicles SET assigned_driver_id=$1 WHERE tenant_id=$2 AND plate=$3`, driverID, tenantID, plate); err != nil {
        return model.Vehicle{}, err
    }
    if _, err := tx.ExecContext(ctx, `UPDATE users SET assigned_vehicle=$1 WHERE tenant_id=$2 AND id=$3`, plate, tenantID, driverID); err != nil {
        return model.Vehicle{}, err
    }
    if err := tx.Commit(); err != nil { return model.Vehicle{}, err }
    v.AssignedDriverID = driverID
    return v, nil
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    events, err := json.Marshal(req.Events)
    if err != nil { return model.Subscription{}, err }
    _, err = p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
        id, req.TenantID, req.URL, events, nullIfEmpty(req.Secret))
    if err != nil { return model.Subscription{}, err }
    return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, events, COALESCE(secret,'') FROM subscriptions WHERE tenant_id=$1 AND events @> to_jsonb(ARRAY[$2::text])`, tenantID, eventType)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []model.Subscription
    for rows.Next() {
        s := model.Subscription{TenantID: tenantID}
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &events, &s.Secret); err != nil { return nil, err }
        if err := json.Unmarshal(events, &s.Events); err != nil { return nil, err }
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    var rows *sql.Rows
    var err error
    if cursor != "" {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events FROM subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
    } else {
        rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, events FROM subscriptions WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
    }
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Subscription{}
    var last string
    for rows.Next() {
        s := model.Subscription{TenantID: tenantID}
        var events []byte
        if err := rows.Scan(&s.ID, &s.URL, &events); err != nil { return nil, "", err }
        if err := json.Unmarshal(events, &s.Events); err != nil { return nil, "", err }
        out = append(out, s)
        last = s.ID
    }
    var next string
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    if err != nil { return err }
    n, err := res.RowsAffected()
    if err != nil { return err }
    if n == 0 { return ErrNotFound }
    return nil
}

// Webhook deliveries

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at) VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`,
        id, tenantID, subscriptionID, eventType, url, nullIfEmpty(secret), payload)
    if err != nil { return "", err }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    if limit <= 0 { limit = 50 }
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, subscription_id::text, event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
            return nil, err
        }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
    if success {
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, response_code=$1, latency_ms=$2, delivered_at=now(), last_error=NULL WHERE id=$3`, responseCode, latencyMs, id)
        return err
    }
    var next any
    if nextAttemptAt != nil { next = *nextAttemptAt }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, response_code=$1, latency_ms=$2, last_error=$3, next_attempt_at=COALESCE($4, now() + interval '1 minute') WHERE id=$5`,
        responseCode, latencyMs, nullIfEmpty(lastError), next, id)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$1, response_code=$2, latency_ms=$3 WHERE id=$4`,
        nullIfEmpty(lastError), responseCode, latencyMs, id)
    return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, event_type, status, attempts, url, next_attempt_at, last_error FROM webhook_deliveries WHERE tenant_id=$1`
    args := []any{tenantID}
    if status != "" {
        args = append(args, status)
        q += fmt.Sprintf(" AND status=$%d", len(args))
    }
    if cursor != "" {
        args = append(args, cursor)
        q += fmt.Sprintf(" AND id::text > $%d", len(args))
    }
    args = append(args, limit)
    q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []map[string]any{}
    var last string
    for rows.Next() {
        var id, eventType, st, url string
        var attempts int
        var nextAt sql.NullTime
        var lastErr sql.NullString
        if err := rows.Scan(&id, &eventType, &st, &attempts, &url, &nextAt, &lastErr); err != nil { return nil, "", err }
        item := map[string]any{"id": id, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
        if nextAt.Valid { item["nextAttemptAt"] = nextAt.Time }
        if lastErr.Valid && lastErr.String != "" { item["lastError"] = lastErr.String }
        out = append(out, item)
        last = id
    }
    var next string
    if len(out) == limit { next = last }
    return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return err
}

func nullIfEmpty(s string) any { if s == "" { return nil }; return s }
