package lifecycle

import (
    "errors"
    "reflect"
    "strings"
    "testing"
    "time"

    "wastenav/internal/model"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func newPending() model.CollectionRequest {
    return NewRequest("t_test", model.RequestIn{
        CustomerID:    "cust_1",
        RequestedDate: "2025-06-05",
        TimeSlot:      model.SlotMorning,
        Items: []model.WasteItem{
            {Category: model.WasteOrganic, EstimatedWeightKg: 5},
            {Category: model.WastePlastic, EstimatedWeightKg: 3},
        },
        Location: model.GeoPoint{Lon: 85.30, Lat: 27.70},
    }, testNow)
}

func TestNewRequestDerivedFields(t *testing.T) {
    r := newPending()
    if r.Status != model.StatusPending {
        t.Fatalf("new request status: %s", r.Status)
    }
    if r.TotalEstimatedWeight != 8 {
        t.Fatalf("total weight: got %f want 8", r.TotalEstimatedWeight)
    }
    if r.Priority != model.PriorityNormal {
        t.Fatalf("default priority: %s", r.Priority)
    }
    if r.ID == "" || r.Code == "" {
        t.Fatalf("identity not generated: id=%q code=%q", r.ID, r.Code)
    }
}

func TestNewCodeShape(t *testing.T) {
    code := NewCode(testNow)
    if !strings.HasPrefix(code, "CR-") {
        t.Fatalf("code prefix: %s", code)
    }
    if code != strings.ToUpper(code) {
        t.Fatalf("code not upper-cased: %s", code)
    }
    parts := strings.Split(code, "-")
    if len(parts) != 3 || len(parts[2]) != 5 {
        t.Fatalf("code shape CR-<ts>-<5 chars>: %s", code)
    }
    if NewCode(testNow) == code {
        // 36^5 combinations; equality here is effectively impossible
        t.Fatalf("two codes for the same instant should differ")
    }
}

func TestConfirmStampsOnce(t *testing.T) {
    r := newPending()
    if err := Confirm(&r, testNow); err != nil {
        t.Fatalf("confirm: %v", err)
    }
    if r.Status != model.StatusConfirmed || r.ConfirmedAt == "" {
        t.Fatalf("confirm result: status=%s confirmedAt=%q", r.Status, r.ConfirmedAt)
    }
    // confirming again is an invalid transition and leaves state untouched
    before := r
    err := Confirm(&r, testNow.Add(time.Hour))
    var ite *InvalidTransitionError
    if !errors.As(err, &ite) {
        t.Fatalf("expected InvalidTransitionError, got %v", err)
    }
    if ite.Status != model.StatusConfirmed || ite.Op != "confirm" {
        t.Fatalf("error detail: %+v", ite)
    }
    if !reflect.DeepEqual(r, before) {
        t.Fatalf("failed transition must not mutate the request")
    }
}

func TestApplyPatchRecomputesWeight(t *testing.T) {
    r := newPending()
    items := []model.WasteItem{{Category: model.WasteGlass, EstimatedWeightKg: 2.5}}
    if err := ApplyPatch(&r, model.RequestPatch{Items: &items}); err != nil {
        t.Fatalf("patch: %v", err)
    }
    if r.TotalEstimatedWeight != 2.5 {
        t.Fatalf("total weight after patch: %f", r.TotalEstimatedWeight)
    }
    // still modifiable after confirm
    if err := Confirm(&r, testNow); err != nil {
        t.Fatalf("confirm: %v", err)
    }
    note := "gate code 4411"
    if err := ApplyPatch(&r, model.RequestPatch{Notes: &note}); err != nil {
        t.Fatalf("patch confirmed: %v", err)
    }
    if r.Notes != note {
        t.Fatalf("notes not applied")
    }
}

func TestAssignRequiresConfirmed(t *testing.T) {
    r := newPending()
    err := AssignDriver(&r, "drv_1", "BA-1-PA-1234", testNow)
    var ite *InvalidTransitionError
    if !errors.As(err, &ite) {
        t.Fatalf("assign from pending should fail, got %v", err)
    }
    if r.Status != model.StatusPending {
        t.Fatalf("status changed on failed assign: %s", r.Status)
    }

    if err := Confirm(&r, testNow); err != nil {
        t.Fatalf("confirm: %v", err)
    }
    if err := AssignDriver(&r, "drv_1", "BA-1-PA-1234", testNow); err != nil {
        t.Fatalf("assign: %v", err)
    }
    if r.Status != model.StatusAssigned || r.ScheduledAt == "" {
        t.Fatalf("assign result: status=%s scheduledAt=%q", r.Status, r.ScheduledAt)
    }
    if r.DriverID != "drv_1" || r.VehicleID != "BA-1-PA-1234" {
        t.Fatalf("assignment refs not set: %+v", r)
    }
}

func TestStartAndComplete(t *testing.T) {
    r := newPending()
    _ = Confirm(&r, testNow)
    _ = AssignDriver(&r, "drv_1", "", testNow)
    if err := Start(&r); err != nil {
        t.Fatalf("start: %v", err)
    }
    if r.Status != model.StatusInProgress {
        t.Fatalf("status after start: %s", r.Status)
    }
    in := model.CompleteRequestIn{
        Items:       []model.WasteItem{{Category: model.WasteOrganic, EstimatedWeightKg: 4.5}},
        Cost:        320,
        DriverNotes: "bin was overfull",
    }
    if err := Complete(&r, in, testNow); err != nil {
        t.Fatalf("complete: %v", err)
    }
    if r.Status != model.StatusCompleted || r.CompletedAt == "" {
        t.Fatalf("complete result: status=%s completedAt=%q", r.Status, r.CompletedAt)
    }
    if r.Execution == nil || r.Execution.TotalWeightKg != 4.5 || r.Execution.Cost != 320 {
        t.Fatalf("execution record: %+v", r.Execution)
    }
}

func TestCompleteDefaultsToZero(t *testing.T) {
    r := newPending()
    _ = Confirm(&r, testNow)
    _ = AssignDriver(&r, "drv_1", "", testNow)
    _ = Start(&r)
    if err := Complete(&r, model.CompleteRequestIn{}, testNow); err != nil {
        t.Fatalf("complete with empty actuals: %v", err)
    }
    if r.Execution.TotalWeightKg != 0 || r.Execution.Cost != 0 || len(r.Execution.Items) != 0 {
        t.Fatalf("empty actuals should default to zero: %+v", r.Execution)
    }
}

func TestCancelWindow(t *testing.T) {
    for _, step := range []int{0, 1, 2} { // pending, confirmed, assigned
        r := newPending()
        if step >= 1 {
            _ = Confirm(&r, testNow)
        }
        if step >= 2 {
            _ = AssignDriver(&r, "drv_1", "", testNow)
        }
        if err := Cancel(&r, "customer away", testNow); err != nil {
            t.Fatalf("cancel at step %d: %v", step, err)
        }
        if r.Status != model.StatusCancelled || r.CancellationReason == "" || r.CancelledAt == "" {
            t.Fatalf("cancel result at step %d: %+v", step, r)
        }
    }
    // in_progress cannot be cancelled
    r := newPending()
    _ = Confirm(&r, testNow)
    _ = AssignDriver(&r, "drv_1", "", testNow)
    _ = Start(&r)
    if err := Cancel(&r, "too late", testNow); err == nil {
        t.Fatalf("cancel of in_progress request must fail")
    }
    if r.Status != model.StatusInProgress {
        t.Fatalf("status changed on failed cancel: %s", r.Status)
    }
}

func TestRescheduleChain(t *testing.T) {
    r := newPending()
    _ = Confirm(&r, testNow)
    repl, err := Reschedule(&r, model.RescheduleIn{NewDate: "2025-06-10", NewTimeSlot: model.SlotEvening}, testNow)
    if err != nil {
        t.Fatalf("reschedule: %v", err)
    }
    if r.Status != model.StatusRescheduled || r.RescheduledTo != repl.ID {
        t.Fatalf("original after reschedule: status=%s to=%q", r.Status, r.RescheduledTo)
    }
    if repl.Status != model.StatusPending || repl.RescheduledFrom != r.ID {
        t.Fatalf("replacement: status=%s from=%q", repl.Status, repl.RescheduledFrom)
    }
    if repl.ID == r.ID || repl.Code == r.Code {
        t.Fatalf("replacement must have fresh identity")
    }
    if repl.RequestedDate != "2025-06-10" || repl.TimeSlot != model.SlotEvening {
        t.Fatalf("replacement schedule: %s %s", repl.RequestedDate, repl.TimeSlot)
    }
    if len(repl.Items) != len(r.Items) || repl.TotalEstimatedWeight != r.TotalEstimatedWeight {
        t.Fatalf("manifest not carried over")
    }
    if repl.CustomerID != r.CustomerID || repl.Location != r.Location {
        t.Fatalf("customer/location not carried over")
    }
    if repl.ConfirmedAt != "" || repl.ScheduledAt != "" || repl.CompletedAt != "" || repl.CancelledAt != "" {
        t.Fatalf("replacement must not inherit status timestamps")
    }
    // the rescheduled original is terminal
    if _, err := Reschedule(&r, model.RescheduleIn{NewDate: "2025-06-11", NewTimeSlot: model.SlotMorning}, testNow); err == nil {
        t.Fatalf("rescheduling a rescheduled request must fail")
    }
}

func TestRescheduleBlockedAfterAssignment(t *testing.T) {
    r := newPending()
    _ = Confirm(&r, testNow)
    _ = AssignDriver(&r, "drv_1", "", testNow)
    if _, err := Reschedule(&r, model.RescheduleIn{NewDate: "2025-06-10", NewTimeSlot: model.SlotMorning}, testNow); err == nil {
        t.Fatalf("assigned request cannot be rescheduled")
    }
}

func TestRateOnlyCompleted(t *testing.T) {
    r := newPending()
    if err := Rate(&r, model.RatingIn{Rating: 5}); err == nil {
        t.Fatalf("rating a pending request must fail")
    }
    _ = Confirm(&r, testNow)
    _ = AssignDriver(&r, "drv_1", "", testNow)
    _ = Start(&r)
    _ = Complete(&r, model.CompleteRequestIn{}, testNow)
    if err := Rate(&r, model.RatingIn{Rating: 4, Feedback: "on time"}); err != nil {
        t.Fatalf("rate: %v", err)
    }
    if r.Rating != 4 || r.Feedback != "on time" {
        t.Fatalf("rating not stored: %+v", r)
    }
}
