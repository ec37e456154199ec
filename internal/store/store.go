package store

import (
    "context"
    "errors"
    "time"

    "wastenav/internal/model"
)

// RequestFilter narrows request listings. Empty fields match everything.
type RequestFilter struct {
    Status     model.RequestStatus
    CustomerID string
    DriverID   string
    Date       string // requested date, YYYY-MM-DD
}

// Store is the persistence interface used by the API server. Updates take the
// caller's copy of the record and succeed only when its Version still matches
// the stored one; on success the stored Version is incremented and the fresh
// record returned. A stale Version yields ErrConflict.
type Store interface {
    // Collection requests
    CreateRequest(ctx context.Context, r model.CollectionRequest) (model.CollectionRequest, error)
    GetRequest(ctx context.Context, tenantID, id string) (model.CollectionRequest, error)
    GetRequestByCode(ctx context.Context, tenantID, code string) (model.CollectionRequest, error)
    ListRequests(ctx context.Context, tenantID string, f RequestFilter, cursor string, limit int) ([]model.CollectionRequest, string, error)
    UpdateRequest(ctx context.Context, r model.CollectionRequest) (model.CollectionRequest, error)
    // CreateRescheduledPair persists the terminated original and its pending
    // replacement atomically; neither is visible without the other.
    CreateRescheduledPair(ctx context.Context, original, created model.CollectionRequest) (model.ReschedulePair, error)
    RequestStats(ctx context.Context, tenantID string) (map[string]any, error)

    // Routes
    CreateRoute(ctx context.Context, rt model.Route) (model.Route, error)
    GetRoute(ctx context.Context, tenantID, id string) (model.Route, error)
    ListRoutes(ctx context.Context, tenantID, status, cursor string, limit int) ([]model.Route, string, error)
    UpdateRoute(ctx context.Context, rt model.Route) (model.Route, error)
    ListActiveRoutesForDriver(ctx context.Context, tenantID, driverID string) ([]string, error)
    RouteStats(ctx context.Context, tenantID string) (map[string]any, error)

    // Users
    CreateUser(ctx context.Context, u model.User) (model.User, error)
    GetUser(ctx context.Context, tenantID, id string) (model.User, error)

    // Vehicles
    CreateVehicle(ctx context.Context, v model.Vehicle) (model.Vehicle, error)
    GetVehicle(ctx context.Context, tenantID, plate string) (model.Vehicle, error)
    ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error)
    // BindVehicleToDriver sets both sides of the driver/vehicle link in one
    // transaction. A vehicle already bound to another driver, or a driver
    // already holding a different vehicle, yields ErrConflict.
    BindVehicleToDriver(ctx context.Context, tenantID, plate, driverID string) (model.Vehicle, error)

    // Subscriptions
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
    DeleteSubscription(ctx context.Context, tenantID, id string) error

    // Webhook deliveries
    EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
    ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
    RetryWebhookDelivery(ctx context.Context, tenantID, id string) error
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals a lost conditional write: the record changed underneath
// the caller. Re-read, re-apply, retry.
var ErrConflict = errors.New("version conflict")
