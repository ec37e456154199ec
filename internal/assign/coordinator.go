// Package assign coordinates driver, vehicle and route bindings on top of the
// store. It owns the business constraints; the store only guarantees the
// writes are atomic.
package assign

import (
    "context"
    "fmt"
    "time"

    "wastenav/internal/lifecycle"
    "wastenav/internal/model"
    "wastenav/internal/store"
)

// ConstraintError reports a violated assignment rule. Code is stable and
// machine-readable; Msg is for humans.
type ConstraintError struct {
    Code string
    Msg  string
}

func (e *ConstraintError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

const (
    CodeInvalidDriver          = "invalid_driver"
    CodeVehicleAlreadyAssigned = "vehicle_already_assigned"
    CodeDriverBusy             = "driver_busy"
)

type Coordinator struct {
    st store.Store
}

func New(st store.Store) *Coordinator { return &Coordinator{st: st} }

// driver fetches the user and rejects anything that is not a driver. A
// missing user is an invalid driver, not a 404: the caller referenced it as a
// driver and that reference is what is wrong.
func (c *Coordinator) driver(ctx context.Context, tenantID, driverID string) (model.User, error) {
    u, err := c.st.GetUser(ctx, tenantID, driverID)
    if err != nil {
        if err == store.ErrNotFound {
            return model.User{}, &ConstraintError{Code: CodeInvalidDriver, Msg: "no such driver: " + driverID}
        }
        return model.User{}, err
    }
    if u.Role != "driver" {
        return model.User{}, &ConstraintError{Code: CodeInvalidDriver, Msg: "user " + driverID + " has role " + u.Role}
    }
    return u, nil
}

// AssignVehicleToDriver binds a vehicle to a driver. The binding is
// exclusive on both sides: a vehicle held by another driver and a driver
// already holding a different vehicle are both rejected. Releasing happens
// through an explicit unbind, never implicitly here.
func (c *Coordinator) AssignVehicleToDriver(ctx context.Context, tenantID, plate, driverID string) (model.Vehicle, error) {
    u, err := c.driver(ctx, tenantID, driverID)
    if err != nil {
        return model.Vehicle{}, err
    }
    if u.AssignedVehicle != "" && u.AssignedVehicle != plate {
        return model.Vehicle{}, &ConstraintError{Code: CodeVehicleAlreadyAssigned, Msg: "driver " + driverID + " already has vehicle " + u.AssignedVehicle}
    }
    v, verr := c.st.GetVehicle(ctx, tenantID, plate)
    if verr != nil {
        return model.Vehicle{}, verr
    }
    if v.AssignedDriverID != "" && v.AssignedDriverID != driverID {
        return model.Vehicle{}, &ConstraintError{Code: CodeVehicleAlreadyAssigned, Msg: "vehicle " + plate + " is assigned to " + v.AssignedDriverID}
    }
    v, err = c.st.BindVehicleToDriver(ctx, tenantID, plate, driverID)
    if err == store.ErrConflict {
        // lost the race to another binding
        return model.Vehicle{}, &ConstraintError{Code: CodeVehicleAlreadyAssigned, Msg: "vehicle " + plate + " is assigned to another driver"}
    }
    return v, err
}

// AssignDriverToRoute puts a driver on a route. A driver may hold at most one
// active or in-progress route at a time.
func (c *Coordinator) AssignDriverToRoute(ctx context.Context, tenantID, routeID, driverID string) (model.Route, error) {
    if _, err := c.driver(ctx, tenantID, driverID); err != nil {
        return model.Route{}, err
    }
    rt, err := c.st.GetRoute(ctx, tenantID, routeID)
    if err != nil {
        return model.Route{}, err
    }
    active, err := c.st.ListActiveRoutesForDriver(ctx, tenantID, driverID)
    if err != nil {
        return model.Route{}, err
    }
    for _, id := range active {
        if id != routeID {
            return model.Route{}, &ConstraintError{Code: CodeDriverBusy, Msg: "driver " + driverID + " already has active route " + id}
        }
    }
    rt.DriverID = driverID
    return c.st.UpdateRoute(ctx, rt)
}

// AssignRequestToDriver moves a confirmed request to assigned. When no
// vehicle is named the driver's bound vehicle is used; naming one requires it
// to exist.
func (c *Coordinator) AssignRequestToDriver(ctx context.Context, tenantID, requestID string, in model.AssignRequestIn, now time.Time) (model.CollectionRequest, error) {
    u, err := c.driver(ctx, tenantID, in.DriverID)
    if err != nil {
        return model.CollectionRequest{}, err
    }
    vehicleID := in.VehicleID
    if vehicleID == "" {
        vehicleID = u.AssignedVehicle
    } else if _, err := c.st.GetVehicle(ctx, tenantID, vehicleID); err != nil {
        return model.CollectionRequest{}, err
    }
    r, err := c.st.GetRequest(ctx, tenantID, requestID)
    if err != nil {
        return model.CollectionRequest{}, err
    }
    if err := lifecycle.AssignDriver(&r, in.DriverID, vehicleID, now); err != nil {
        return model.CollectionRequest{}, err
    }
    return c.st.UpdateRequest(ctx, r)
}
