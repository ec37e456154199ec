// Package lifecycle implements the collection-request state machine. All
// functions mutate an in-memory copy of the request; persisting the result
// (with a conditional write) is the caller's job.
package lifecycle

import (
    "crypto/rand"
    "fmt"
    "math/big"
    "strconv"
    "strings"
    "time"

    "github.com/google/uuid"
    "wastenav/internal/model"
)

// InvalidTransitionError reports a guard failure: the request's current
// status does not permit the attempted operation. Never coerced to a no-op.
type InvalidTransitionError struct {
    Status model.RequestStatus
    Op     string
}

func (e *InvalidTransitionError) Error() string {
    return fmt.Sprintf("cannot %s request in status %q", e.Op, e.Status)
}

func invalid(r *model.CollectionRequest, op string) error {
    return &InvalidTransitionError{Status: r.Status, Op: op}
}

// CanBeModified is the single source of truth for the mutation guard.
func CanBeModified(r *model.CollectionRequest) bool {
    return r.Status == model.StatusPending || r.Status == model.StatusConfirmed
}

// CanBeCancelled is the single source of truth for the cancellation guard.
func CanBeCancelled(r *model.CollectionRequest) bool {
    return CanBeModified(r) || r.Status == model.StatusAssigned
}

// TotalWeight sums the manifest item weights.
func TotalWeight(items []model.WasteItem) float64 {
    total := 0.0
    for _, it := range items {
        total += it.EstimatedWeightKg
    }
    return total
}

const codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewCode generates a human-readable request code: CR-<base36 unix ms>-<5
// random base36 chars>, upper-cased. Collisions are unlikely but the store
// retries creation on a code conflict anyway.
func NewCode(now time.Time) string {
    ts := strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
    suffix := make([]byte, 5)
    for i := range suffix {
        n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
        if err != nil {
            // crypto/rand failing means the process is in serious trouble;
            // fall back to a time-derived char rather than panic.
            n = big.NewInt(now.UnixNano() % int64(len(codeAlphabet)))
        }
        suffix[i] = codeAlphabet[n.Int64()]
    }
    return "CR-" + ts + "-" + string(suffix)
}

// NewRequest builds a pending request from customer input. Identity and
// derived fields are stamped here; there is no implicit before-persist hook.
func NewRequest(tenantID string, in model.RequestIn, now time.Time) model.CollectionRequest {
    priority := in.Priority
    if priority == "" {
        priority = model.PriorityNormal
    }
    items := append([]model.WasteItem(nil), in.Items...)
    return model.CollectionRequest{
        ID:                   uuid.New().String(),
        Code:                 NewCode(now),
        TenantID:             tenantID,
        CustomerID:           in.CustomerID,
        RequestedDate:        in.RequestedDate,
        TimeSlot:             in.TimeSlot,
        PreferredStart:       in.PreferredStart,
        PreferredEnd:         in.PreferredEnd,
        Items:                items,
        TotalEstimatedWeight: TotalWeight(items),
        Notes:                in.Notes,
        Location:             in.Location,
        Address:              in.Address,
        Status:               model.StatusPending,
        Priority:             priority,
        CreatedAt:            stamp(now),
    }
}

// Confirm moves pending -> confirmed and sets ConfirmedAt on first entry.
func Confirm(r *model.CollectionRequest, now time.Time) error {
    if r.Status != model.StatusPending {
        return invalid(r, "confirm")
    }
    r.Status = model.StatusConfirmed
    if r.ConfirmedAt == "" {
        r.ConfirmedAt = stamp(now)
    }
    return nil
}

// ApplyPatch edits the manifest/notes/priority of a modifiable request and
// recomputes the derived total weight.
func ApplyPatch(r *model.CollectionRequest, patch model.RequestPatch) error {
    if !CanBeModified(r) {
        return invalid(r, "modify")
    }
    if patch.Items != nil {
        r.Items = append([]model.WasteItem(nil), (*patch.Items)...)
        r.TotalEstimatedWeight = TotalWeight(r.Items)
    }
    if patch.Notes != nil {
        r.Notes = *patch.Notes
    }
    if patch.Priority != nil {
        r.Priority = *patch.Priority
    }
    return nil
}

// AssignDriver moves confirmed -> assigned and sets ScheduledAt on first
// entry. Role and vehicle validation happen in the assignment coordinator
// before this is called; only the status guard lives here.
func AssignDriver(r *model.CollectionRequest, driverID, vehicleID string, now time.Time) error {
    if r.Status != model.StatusConfirmed {
        return invalid(r, "assign")
    }
    r.Status = model.StatusAssigned
    r.DriverID = driverID
    r.VehicleID = vehicleID
    if r.ScheduledAt == "" {
        r.ScheduledAt = stamp(now)
    }
    return nil
}

// Start moves assigned -> in_progress.
func Start(r *model.CollectionRequest) error {
    if r.Status != model.StatusAssigned {
        return invalid(r, "start")
    }
    r.Status = model.StatusInProgress
    return nil
}

// Complete moves in_progress -> completed and merges the supplied actuals.
// Omitted fields default to empty/zero.
func Complete(r *model.CollectionRequest, in model.CompleteRequestIn, now time.Time) error {
    if r.Status != model.StatusInProgress {
        return invalid(r, "complete")
    }
    r.Status = model.StatusCompleted
    if r.CompletedAt == "" {
        r.CompletedAt = stamp(now)
    }
    r.Execution = &model.ExecutionRecord{
        CollectedAt:   stamp(now),
        Items:         append([]model.WasteItem(nil), in.Items...),
        TotalWeightKg: TotalWeight(in.Items),
        Cost:          in.Cost,
        DriverNotes:   in.DriverNotes,
        Photos:        append([]string(nil), in.Photos...),
    }
    return nil
}

// Cancel moves any cancellable status -> cancelled.
func Cancel(r *model.CollectionRequest, reason string, now time.Time) error {
    if !CanBeCancelled(r) {
        return invalid(r, "cancel")
    }
    r.Status = model.StatusCancelled
    r.CancellationReason = reason
    if r.CancelledAt == "" {
        r.CancelledAt = stamp(now)
    }
    return nil
}

// Reschedule terminates the original request and returns its replacement: a
// fresh pending request carrying the same customer, manifest and location but
// new identity, schedule and timestamps. The two are linked through
// RescheduledFrom/RescheduledTo; each reschedule creates exactly one new
// request, so the chain can never cycle.
func Reschedule(r *model.CollectionRequest, in model.RescheduleIn, now time.Time) (model.CollectionRequest, error) {
    if !CanBeModified(r) {
        return model.CollectionRequest{}, invalid(r, "reschedule")
    }
    repl := model.CollectionRequest{
        ID:                   uuid.New().String(),
        Code:                 NewCode(now),
        TenantID:             r.TenantID,
        CustomerID:           r.CustomerID,
        RequestedDate:        in.NewDate,
        TimeSlot:             in.NewTimeSlot,
        PreferredStart:       r.PreferredStart,
        PreferredEnd:         r.PreferredEnd,
        Items:                append([]model.WasteItem(nil), r.Items...),
        TotalEstimatedWeight: r.TotalEstimatedWeight,
        Notes:                r.Notes,
        Location:             r.Location,
        Address:              r.Address,
        Status:               model.StatusPending,
        Priority:             r.Priority,
        RescheduledFrom:      r.ID,
        CreatedAt:            stamp(now),
    }
    r.Status = model.StatusRescheduled
    r.RescheduledTo = repl.ID
    return repl, nil
}

// Rate records customer feedback on a completed request.
func Rate(r *model.CollectionRequest, in model.RatingIn) error {
    if r.Status != model.StatusCompleted {
        return invalid(r, "rate")
    }
    r.Rating = in.Rating
    r.Feedback = in.Feedback
    return nil
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }
