package model

import (
    "encoding/json"
    "fmt"
)

// Core domain types for waste-pickup coordination.

type RequestStatus string

const (
    StatusPending     RequestStatus = "pending"
    StatusConfirmed   RequestStatus = "confirmed"
    StatusAssigned    RequestStatus = "assigned"
    StatusInProgress  RequestStatus = "in_progress"
    StatusCompleted   RequestStatus = "completed"
    StatusCancelled   RequestStatus = "cancelled"
    StatusRescheduled RequestStatus = "rescheduled"
)

type RouteStatus string

const (
    RouteActive     RouteStatus = "active"
    RouteInactive   RouteStatus = "inactive"
    RouteInProgress RouteStatus = "in_progress"
    RouteCompleted  RouteStatus = "completed"
)

type TimeSlot string

const (
    SlotMorning   TimeSlot = "morning"
    SlotAfternoon TimeSlot = "afternoon"
    SlotEvening   TimeSlot = "evening"
)

// RequestPriority orders requests; StopPriority orders stops within a route.
// The two scales differ (normal vs medium) and are kept separate on purpose.
type RequestPriority string

const (
    PriorityLow    RequestPriority = "low"
    PriorityNormal RequestPriority = "normal"
    PriorityHigh   RequestPriority = "high"
    PriorityUrgent RequestPriority = "urgent"
)

type StopPriority string

const (
    StopLow    StopPriority = "low"
    StopMedium StopPriority = "medium"
    StopHigh   StopPriority = "high"
    StopUrgent StopPriority = "urgent"
)

type WasteCategory string

const (
    WasteOrganic   WasteCategory = "organic"
    WastePlastic   WasteCategory = "plastic"
    WastePaper     WasteCategory = "paper"
    WasteGlass     WasteCategory = "glass"
    WasteMetal     WasteCategory = "metal"
    WasteEWaste    WasteCategory = "e-waste"
    WasteHazardous WasteCategory = "hazardous"
    WasteMixed     WasteCategory = "mixed"
)

// GeoPoint marshals as a [longitude, latitude] pair on the wire.
type GeoPoint struct {
    Lon float64
    Lat float64
}

func (g GeoPoint) MarshalJSON() ([]byte, error) {
    return json.Marshal([2]float64{g.Lon, g.Lat})
}

func (g *GeoPoint) UnmarshalJSON(b []byte) error {
    var pair []float64
    if err := json.Unmarshal(b, &pair); err != nil {
        return err
    }
    if len(pair) != 2 {
        return fmt.Errorf("coordinates must be [lon,lat], got %d elements", len(pair))
    }
    g.Lon, g.Lat = pair[0], pair[1]
    return nil
}

type Address struct {
    Street     string `json:"street,omitempty"`
    Ward       string `json:"ward,omitempty"`
    City       string `json:"city,omitempty"`
    PostalCode string `json:"postalCode,omitempty"`
}

// WasteItem is one line of a request's waste manifest.
type WasteItem struct {
    Category          WasteCategory `json:"category"`
    EstimatedWeightKg float64       `json:"estimatedWeightKg"`
    Note              string        `json:"note,omitempty"`
}

// ExecutionRecord captures what actually happened at collection time.
type ExecutionRecord struct {
    CollectedAt   string      `json:"collectedAt,omitempty"`
    Items         []WasteItem `json:"items,omitempty"`
    TotalWeightKg float64     `json:"totalWeightKg"`
    Cost          float64     `json:"cost"`
    DriverNotes   string      `json:"driverNotes,omitempty"`
    Photos        []string    `json:"photos,omitempty"`
}

// CollectionRequest is the central aggregate: a single on-demand pickup.
// TotalEstimatedWeight is derived from Items and recomputed on every manifest
// change; it is never written independently. Version backs the conditional
// (compare-and-swap) writes in the store.
type CollectionRequest struct {
    ID         string `json:"id"`
    Code       string `json:"code"` // CR-..., immutable once set
    TenantID   string `json:"tenantId"`
    CustomerID string `json:"customerId"`

    RequestedDate  string   `json:"requestedDate"` // ISO-8601 date
    TimeSlot       TimeSlot `json:"timeSlot"`
    PreferredStart string   `json:"preferredStart,omitempty"` // HH:MM
    PreferredEnd   string   `json:"preferredEnd,omitempty"`

    Items                []WasteItem `json:"items"`
    TotalEstimatedWeight float64     `json:"totalEstimatedWeight"`
    Notes                string      `json:"notes,omitempty"`

    Location GeoPoint `json:"location"`
    Address  Address  `json:"address"`

    Status   RequestStatus   `json:"status"`
    Priority RequestPriority `json:"priority"`

    DriverID  string `json:"driverId,omitempty"`
    VehicleID string `json:"vehicleId,omitempty"`
    RouteID   string `json:"routeId,omitempty"`

    Execution *ExecutionRecord `json:"execution,omitempty"`

    RescheduledFrom string `json:"rescheduledFrom,omitempty"`
    RescheduledTo   string `json:"rescheduledTo,omitempty"`

    CancellationReason string `json:"cancellationReason,omitempty"`
    Rating             int    `json:"rating,omitempty"` // 1..5, set after completion
    Feedback           string `json:"feedback,omitempty"`

    CreatedAt   string `json:"createdAt,omitempty"`
    ConfirmedAt string `json:"confirmedAt,omitempty"`
    ScheduledAt string `json:"scheduledAt,omitempty"`
    CompletedAt string `json:"completedAt,omitempty"`
    CancelledAt string `json:"cancelledAt,omitempty"`

    Version int `json:"version"`
}

// Stop is one entry in a route's ordered stop list. Order is 1-based and is a
// permutation of 1..N after every optimization pass.
type Stop struct {
    ID                  string          `json:"id"`
    Address             Address         `json:"address"`
    Location            GeoPoint        `json:"location"`
    CustomerID          string          `json:"customerId,omitempty"`
    WasteTypes          []WasteCategory `json:"wasteTypes,omitempty"`
    EstimatedQuantityKg float64         `json:"estimatedQuantityKg,omitempty"`
    Priority            StopPriority    `json:"priority"`
    Note                string          `json:"note,omitempty"`
    Order               int             `json:"order"`
}

// RouteMetrics are derived values, fully recomputed from the stop list.
type RouteMetrics struct {
    TotalDistanceKm   float64 `json:"totalDistanceKm"`
    EstimatedFuelCost float64 `json:"estimatedFuelCost"`
    CO2EmissionsKg    float64 `json:"co2EmissionsKg"`
}

type Route struct {
    ID          string      `json:"id"`
    TenantID    string      `json:"tenantId"`
    Name        string      `json:"name"`
    Description string      `json:"description,omitempty"`
    Status      RouteStatus `json:"status"`
    DriverID    string      `json:"driverId,omitempty"`

    Frequency            string   `json:"frequency,omitempty"` // daily, weekly, biweekly, monthly
    Weekdays             []string `json:"weekdays,omitempty"`
    StartTime            string   `json:"startTime,omitempty"` // HH:MM
    EstimatedDurationMin int      `json:"estimatedDurationMin,omitempty"`

    Stops         []Stop       `json:"stops"`
    Metrics       RouteMetrics `json:"metrics"`
    LastOptimized string       `json:"lastOptimized,omitempty"`

    StartedAt   string `json:"startedAt,omitempty"`
    CompletedAt string `json:"completedAt,omitempty"`

    Version int `json:"version"`
}

type Vehicle struct {
    Plate            string  `json:"plate"`
    TenantID         string  `json:"tenantId"`
    Kind             string  `json:"kind,omitempty"` // compactor, tipper, van
    CapacityM3       float64 `json:"capacityM3,omitempty"`
    CapacityKg       float64 `json:"capacityKg,omitempty"`
    Status           string  `json:"status"` // available, in_service, maintenance
    AssignedDriverID string  `json:"assignedDriverId,omitempty"`
    Deleted          bool    `json:"deleted,omitempty"`
}

// User covers the identity surface the core consumes: a pre-validated id and
// role. Drivers are users with role "driver".
type User struct {
    ID              string `json:"id"`
    TenantID        string `json:"tenantId"`
    Name            string `json:"name,omitempty"`
    Role            string `json:"role"` // admin, dispatcher, driver, customer
    AssignedVehicle string `json:"assignedVehicle,omitempty"`
}

// API input shapes

type RequestIn struct {
    CustomerID     string          `json:"customerId"`
    RequestedDate  string          `json:"requestedDate"`
    TimeSlot       TimeSlot        `json:"timeSlot"`
    PreferredStart string          `json:"preferredStart,omitempty"`
    PreferredEnd   string          `json:"preferredEnd,omitempty"`
    Items          []WasteItem     `json:"items"`
    Notes          string          `json:"notes,omitempty"`
    Location       GeoPoint        `json:"location"`
    Address        Address         `json:"address"`
    Priority       RequestPriority `json:"priority,omitempty"`
}

// RequestPatch carries manifest/notes edits; nil fields are left untouched.
type RequestPatch struct {
    Items    *[]WasteItem     `json:"items,omitempty"`
    Notes    *string          `json:"notes,omitempty"`
    Priority *RequestPriority `json:"priority,omitempty"`
}

type AssignRequestIn struct {
    DriverID  string `json:"driverId"`
    VehicleID string `json:"vehicleId,omitempty"`
}

type CompleteRequestIn struct {
    Items       []WasteItem `json:"items,omitempty"`
    Cost        float64     `json:"cost,omitempty"`
    DriverNotes string      `json:"driverNotes,omitempty"`
    Photos      []string    `json:"photos,omitempty"`
}

type RescheduleIn struct {
    NewDate     string   `json:"newDate"`
    NewTimeSlot TimeSlot `json:"newTimeSlot"`
}

type ReschedulePair struct {
    Original CollectionRequest `json:"original"`
    Created  CollectionRequest `json:"created"`
}

type RatingIn struct {
    Rating   int    `json:"rating"`
    Feedback string `json:"feedback,omitempty"`
}

type RouteIn struct {
    Name                 string   `json:"name"`
    Description          string   `json:"description,omitempty"`
    Frequency            string   `json:"frequency,omitempty"`
    Weekdays             []string `json:"weekdays,omitempty"`
    StartTime            string   `json:"startTime,omitempty"`
    EstimatedDurationMin int      `json:"estimatedDurationMin,omitempty"`
    Stops                []StopIn `json:"stops,omitempty"`
}

type StopIn struct {
    Address             Address         `json:"address"`
    Location            GeoPoint        `json:"location"`
    CustomerID          string          `json:"customerId,omitempty"`
    WasteTypes          []WasteCategory `json:"wasteTypes,omitempty"`
    EstimatedQuantityKg float64         `json:"estimatedQuantityKg,omitempty"`
    Priority            StopPriority    `json:"priority,omitempty"`
    Note                string          `json:"note,omitempty"`
}

type AssignRouteIn struct {
    DriverID string `json:"driverId"`
}

type VehicleIn struct {
    Plate      string  `json:"plate"`
    Kind       string  `json:"kind,omitempty"`
    CapacityM3 float64 `json:"capacityM3,omitempty"`
    CapacityKg float64 `json:"capacityKg,omitempty"`
}

type UserIn struct {
    Name string `json:"name,omitempty"`
    Role string `json:"role"`
}

// Subscription registers a tenant callback URL for a set of event types.
type Subscription struct {
    ID       string   `json:"id"`
    TenantID string   `json:"tenantId"`
    URL      string   `json:"url"`
    Events   []string `json:"events"`
    Secret   string   `json:"-"`
}

type SubscriptionRequest struct {
    TenantID string   `json:"-"`
    URL      string   `json:"url"`
    Events   []string `json:"events"`
    Secret   string   `json:"secret,omitempty"`
}
