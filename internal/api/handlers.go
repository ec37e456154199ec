package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "strings"
    "time"

    "wastenav/internal/geo"
    "wastenav/internal/lifecycle"
    "wastenav/internal/metrics"
    "wastenav/internal/model"
    "wastenav/internal/optimizer"
    "wastenav/internal/store"
)

const mutateAttempts = 3

// emit publishes an event to webhook subscribers and live streams.
func (s *Server) emit(ctx context.Context, tenant, eventType string, data map[string]any) {
    s.Pub.Emit(ctx, tenant, eventType, data)
    s.Broker.Publish(tenant, SSEEvent{Type: eventType, Data: data})
}

// resolveRequest fetches by id, or by code when the caller passed a CR- code.
func (s *Server) resolveRequest(ctx context.Context, tenant, id string) (model.CollectionRequest, error) {
    if strings.HasPrefix(id, "CR-") {
        return s.Store.GetRequestByCode(ctx, tenant, id)
    }
    return s.Store.GetRequest(ctx, tenant, id)
}

// mutateRequest applies a transition on a fresh read and writes it back
// conditionally, retrying a bounded number of times when a concurrent writer
// wins the race.
func (s *Server) mutateRequest(ctx context.Context, tenant, id string, apply func(*model.CollectionRequest) error) (model.CollectionRequest, error) {
    var lastErr error
    for attempt := 0; attempt < mutateAttempts; attempt++ {
        r, err := s.resolveRequest(ctx, tenant, id)
        if err != nil { return model.CollectionRequest{}, err }
        if err := apply(&r); err != nil { return model.CollectionRequest{}, err }
        upd, err := s.Store.UpdateRequest(ctx, r)
        if err == store.ErrConflict {
            metrics.WriteConflicts.WithLabelValues("request").Inc()
            lastErr = err
            continue
        }
        return upd, err
    }
    return model.CollectionRequest{}, lastErr
}

func requestEventData(r model.CollectionRequest) map[string]any {
    data := map[string]any{"requestId": r.ID, "code": r.Code, "status": string(r.Status)}
    if r.DriverID != "" { data["driverId"] = r.DriverID }
    if r.VehicleID != "" { data["vehicleId"] = r.VehicleID }
    return data
}

// RequestsHandler handles POST/GET /v1/requests
func (s *Server) RequestsHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    switch r.Method {
    case http.MethodPost:
        var in model.RequestIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        // customers can only file for themselves
        if p.Role == "customer" && p.CustomerID != "" { in.CustomerID = p.CustomerID }
        if err := validateRequestIn(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
            return
        }
        created, err := s.Store.CreateRequest(r.Context(), lifecycle.NewRequest(p.Tenant, in, time.Now()))
        if err != nil {
            writeDomainError(w, err, "Create request failed", r.URL.Path)
            return
        }
        metrics.RequestTransitions.WithLabelValues(string(created.Status)).Inc()
        s.emit(r.Context(), p.Tenant, "request.created", requestEventData(created))
        writeJSON(w, http.StatusCreated, created)
    case http.MethodGet:
        f := store.RequestFilter{
            Status:     model.RequestStatus(r.URL.Query().Get("status")),
            CustomerID: r.URL.Query().Get("customerId"),
            DriverID:   r.URL.Query().Get("driverId"),
            Date:       r.URL.Query().Get("date"),
        }
        // customers see only their own requests, drivers their own assignments
        if p.Role == "customer" && p.CustomerID != "" { f.CustomerID = p.CustomerID }
        if p.Role == "driver" && p.UserID != "" { f.DriverID = p.UserID }
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListRequests(r.Context(), p.Tenant, f, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List requests failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// RequestByIDHandler handles /v1/requests/{idOrCode} and its lifecycle
// actions: confirm, assign, start, complete, cancel, reschedule, rating.
func (s *Server) RequestByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    p := s.getPrincipal(r)

    if len(parts) > 1 {
        s.requestAction(w, r, p, id, parts[1])
        return
    }

    switch r.Method {
    case http.MethodGet:
        req, err := s.resolveRequest(r.Context(), p.Tenant, id)
        if err != nil {
            writeDomainError(w, err, "Get request failed", r.URL.Path)
            return
        }
        if p.Role == "customer" && p.CustomerID != "" && req.CustomerID != p.CustomerID {
            writeProblem(w, http.StatusForbidden, "Forbidden", "not your request", r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, req)
    case http.MethodPatch:
        var patch model.RequestPatch
        if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateRequestPatch(&patch); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid patch", err.Error(), r.URL.Path)
            return
        }
        upd, err := s.mutateRequest(r.Context(), p.Tenant, id, func(req *model.CollectionRequest) error {
            if p.Role == "customer" && p.CustomerID != "" && req.CustomerID != p.CustomerID {
                return store.ErrNotFound
            }
            return lifecycle.ApplyPatch(req, patch)
        })
        if err != nil {
            writeDomainError(w, err, "Update request failed", r.URL.Path)
            return
        }
        s.emit(r.Context(), p.Tenant, "request.updated", requestEventData(upd))
        writeJSON(w, http.StatusOK, upd)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func (s *Server) requestAction(w http.ResponseWriter, r *http.Request, p Principal, id, action string) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    now := time.Now()
    switch action {
    case "confirm":
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        upd, err := s.mutateRequest(r.Context(), p.Tenant, id, func(req *model.CollectionRequest) error {
            return lifecycle.Confirm(req, now)
        })
        if err != nil { writeDomainError(w, err, "Confirm failed", r.URL.Path); return }
        metrics.RequestTransitions.WithLabelValues(string(upd.Status)).Inc()
        s.emit(r.Context(), p.Tenant, "request.confirmed", requestEventData(upd))
        writeJSON(w, http.StatusOK, upd)

    case "assign":
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.AssignRequestIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if in.DriverID == "" {
            writeProblem(w, http.StatusBadRequest, "Invalid assignment", "driverId required", r.URL.Path)
            return
        }
        req, err := s.resolveRequest(r.Context(), p.Tenant, id)
        if err != nil { writeDomainError(w, err, "Assign failed", r.URL.Path); return }
        var upd model.CollectionRequest
        for attempt := 0; attempt < mutateAttempts; attempt++ {
            upd, err = s.Coord.AssignRequestToDriver(r.Context(), p.Tenant, req.ID, in, now)
            if err == store.ErrConflict {
                metrics.WriteConflicts.WithLabelValues("request").Inc()
                continue
            }
            break
        }
        if err != nil { writeDomainError(w, err, "Assign failed", r.URL.Path); return }
        metrics.RequestTransitions.WithLabelValues(string(upd.Status)).Inc()
        s.emit(r.Context(), p.Tenant, "driver-assigned", requestEventData(upd))
        writeJSON(w, http.StatusOK, upd)

    case "start":
        upd, err := s.mutateRequest(r.Context(), p.Tenant, id, func(req *model.CollectionRequest) error {
            if !p.IsStaff() && !(p.Role == "driver" && p.UserID != "" && p.UserID == req.DriverID) {
                return store.ErrNotFound
            }
            return lifecycle.Start(req)
        })
        if err != nil { writeDomainError(w, err, "Start failed", r.URL.Path); return }
        metrics.RequestTransitions.WithLabelValues(string(upd.Status)).Inc()
        s.emit(r.Context(), p.Tenant, "request.started", requestEventData(upd))
        writeJSON(w, http.StatusOK, upd)

    case "complete":
        var in model.CompleteRequestIn
        if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&in) }
        if err := validateCompleteIn(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid completion", err.Error(), r.URL.Path)
            return
        }
        upd, err := s.mutateRequest(r.Context(), p.Tenant, id, func(req *model.CollectionRequest) error {
            if !p.IsStaff() && !(p.Role == "driver" && p.UserID != "" && p.UserID == req.DriverID) {
                return store.ErrNotFound
            }
            return lifecycle.Complete(req, in, now)
        })
        if err != nil { writeDomainError(w, err, "Complete failed", r.URL.Path); return }
        metrics.RequestTransitions.WithLabelValues(string(upd.Status)).Inc()
        s.emit(r.Context(), p.Tenant, "request.completed", requestEventData(upd))
        writeJSON(w, http.StatusOK, upd)

    case "cancel":
        var in struct {
            Reason string `json:"reason"`
        }
        if r.Body != nil { _ = json.NewDecoder(r.Body).Decode(&in) }
        upd, err := s.mutateRequest(r.Context(), p.Tenant, id, func(req *model.CollectionRequest) error {
            if p.Role == "customer" && p.CustomerID != "" && req.CustomerID != p.CustomerID {
                return store.ErrNotFound
            }
            return lifecycle.Cancel(req, in.Reason, now)
        })
        if err != nil { writeDomainError(w, err, "Cancel failed", r.URL.Path); return }
        metrics.RequestTransitions.WithLabelValues(string(upd.Status)).Inc()
        s.emit(r.Context(), p.Tenant, "request.cancelled", requestEventData(upd))
        writeJSON(w, http.StatusOK, upd)

    case "reschedule":
        var in model.RescheduleIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateRescheduleIn(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid reschedule", err.Error(), r.URL.Path)
            return
        }
        var pair model.ReschedulePair
        var err error
        for attempt := 0; attempt < mutateAttempts; attempt++ {
            var req model.CollectionRequest
            req, err = s.resolveRequest(r.Context(), p.Tenant, id)
            if err != nil { break }
            if p.Role == "customer" && p.CustomerID != "" && req.CustomerID != p.CustomerID {
                err = store.ErrNotFound
                break
            }
            var repl model.CollectionRequest
            repl, err = lifecycle.Reschedule(&req, in, now)
            if err != nil { break }
            pair, err = s.Store.CreateRescheduledPair(r.Context(), req, repl)
            if err == store.ErrConflict {
                metrics.WriteConflicts.WithLabelValues("request").Inc()
                continue
            }
            break
        }
        if err != nil { writeDomainError(w, err, "Reschedule failed", r.URL.Path); return }
        metrics.RequestTransitions.WithLabelValues(string(pair.Original.Status)).Inc()
        s.emit(r.Context(), p.Tenant, "request.rescheduled", map[string]any{
            "requestId":    pair.Original.ID,
            "newRequestId": pair.Created.ID,
            "newCode":      pair.Created.Code,
            "newDate":      pair.Created.RequestedDate,
        })
        writeJSON(w, http.StatusOK, pair)

    case "rating":
        var in model.RatingIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateRatingIn(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid rating", err.Error(), r.URL.Path)
            return
        }
        upd, err := s.mutateRequest(r.Context(), p.Tenant, id, func(req *model.CollectionRequest) error {
            if p.Role == "customer" && p.CustomerID != "" && req.CustomerID != p.CustomerID {
                return store.ErrNotFound
            }
            return lifecycle.Rate(req, in)
        })
        if err != nil { writeDomainError(w, err, "Rating failed", r.URL.Path); return }
        s.emit(r.Context(), p.Tenant, "request.rated", map[string]any{"requestId": upd.ID, "rating": upd.Rating})
        writeJSON(w, http.StatusOK, upd)

    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "unknown action "+action, r.URL.Path)
    }
}

// RoutesHandler handles POST/GET /v1/routes
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    switch r.Method {
    case http.MethodPost:
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.RouteIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := validateRouteIn(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid route", err.Error(), r.URL.Path)
            return
        }
        rt := routeFromInput(p.Tenant, in)
        rt.Metrics = s.routeMetrics(rt.Stops)
        created, err := s.Store.CreateRoute(r.Context(), rt)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create route failed", err.Error(), r.URL.Path)
            return
        }
        s.emit(r.Context(), p.Tenant, "route.created", map[string]any{"routeId": created.ID, "name": created.Name})
        writeJSON(w, http.StatusCreated, created)
    case http.MethodGet:
        status := r.URL.Query().Get("status")
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListRoutes(r.Context(), p.Tenant, status, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List routes failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func routeFromInput(tenant string, in model.RouteIn) model.Route {
    rt := model.Route{
        TenantID:             tenant,
        Name:                 in.Name,
        Description:          in.Description,
        Status:               model.RouteActive,
        Frequency:            in.Frequency,
        Weekdays:             in.Weekdays,
        StartTime:            in.StartTime,
        EstimatedDurationMin: in.EstimatedDurationMin,
    }
    for i, st := range in.Stops {
        prio := st.Priority
        if prio == "" { prio = model.StopMedium }
        rt.Stops = append(rt.Stops, model.Stop{
            ID:                  fmt.Sprintf("stp_%d", i+1),
            Address:             st.Address,
            Location:            st.Location,
            CustomerID:          st.CustomerID,
            WasteTypes:          st.WasteTypes,
            EstimatedQuantityKg: st.EstimatedQuantityKg,
            Priority:            prio,
            Note:                st.Note,
            Order:               i + 1,
        })
    }
    return rt
}

func (s *Server) routeMetrics(stops []model.Stop) model.RouteMetrics {
    return geo.RouteMetrics(stops, s.Costs)
}

// RouteByIDHandler handles /v1/routes/{id} plus /optimize, /assign and /stops.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    p := s.getPrincipal(r)

    if len(parts) > 1 && parts[1] == "optimize" {
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        rt, err := s.optimizeRoute(r.Context(), p.Tenant, id)
        if err != nil { writeDomainError(w, err, "Optimize failed", r.URL.Path); return }
        metrics.OptimizeRuns.Inc()
        s.emit(r.Context(), p.Tenant, "route.optimized", map[string]any{
            "routeId":         rt.ID,
            "stops":           len(rt.Stops),
            "totalDistanceKm": rt.Metrics.TotalDistanceKm,
        })
        writeJSON(w, http.StatusOK, rt)
        return
    }
    if len(parts) > 1 && parts[1] == "assign" {
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.AssignRouteIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if in.DriverID == "" {
            writeProblem(w, http.StatusBadRequest, "Invalid assignment", "driverId required", r.URL.Path)
            return
        }
        var rt model.Route
        var err error
        for attempt := 0; attempt < mutateAttempts; attempt++ {
            rt, err = s.Coord.AssignDriverToRoute(r.Context(), p.Tenant, id, in.DriverID)
            if err == store.ErrConflict {
                metrics.WriteConflicts.WithLabelValues("route").Inc()
                continue
            }
            break
        }
        if err != nil { writeDomainError(w, err, "Assign route failed", r.URL.Path); return }
        s.emit(r.Context(), p.Tenant, "route.assigned", map[string]any{"routeId": rt.ID, "driverId": rt.DriverID})
        writeJSON(w, http.StatusOK, rt)
        return
    }
    if len(parts) > 1 && (parts[1] == "start" || parts[1] == "complete") {
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if !p.IsStaff() && p.Role != "driver" { writeProblem(w, 403, "Forbidden", "staff or driver required", r.URL.Path); return }
        next, event := model.RouteInProgress, "route.started"
        if parts[1] == "complete" { next, event = model.RouteCompleted, "route.completed" }
        rt, err := s.patchRoute(r.Context(), p.Tenant, id, nil, nil, &next)
        if err != nil { writeDomainError(w, err, "Route "+parts[1]+" failed", r.URL.Path); return }
        s.emit(r.Context(), p.Tenant, event, map[string]any{"routeId": rt.ID, "status": string(rt.Status)})
        writeJSON(w, http.StatusOK, rt)
        return
    }
    if len(parts) > 1 && parts[1] == "stops" {
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.StopIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if !validPoint(in.Location) {
            writeProblem(w, http.StatusBadRequest, "Invalid stop", "location out of range", r.URL.Path)
            return
        }
        rt, err := s.addStop(r.Context(), p.Tenant, id, in)
        if err != nil { writeDomainError(w, err, "Add stop failed", r.URL.Path); return }
        writeJSON(w, http.StatusOK, rt)
        return
    }

    switch r.Method {
    case http.MethodGet:
        rt, err := s.Store.GetRoute(r.Context(), p.Tenant, id)
        if err != nil { writeDomainError(w, err, "Get route failed", r.URL.Path); return }
        writeJSON(w, http.StatusOK, rt)
    case http.MethodPatch:
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var patch struct {
            Name        *string            `json:"name,omitempty"`
            Description *string            `json:"description,omitempty"`
            Status      *model.RouteStatus `json:"status,omitempty"`
        }
        if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        rt, err := s.patchRoute(r.Context(), p.Tenant, id, patch.Name, patch.Description, patch.Status)
        if err != nil { writeDomainError(w, err, "Update route failed", r.URL.Path); return }
        writeJSON(w, http.StatusOK, rt)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

func (s *Server) optimizeRoute(ctx context.Context, tenant, id string) (model.Route, error) {
    var lastErr error
    for attempt := 0; attempt < mutateAttempts; attempt++ {
        rt, err := s.Store.GetRoute(ctx, tenant, id)
        if err != nil { return model.Route{}, err }
        optimizer.Optimize(&rt, s.Costs, time.Now())
        upd, err := s.Store.UpdateRoute(ctx, rt)
        if err == store.ErrConflict {
            metrics.WriteConflicts.WithLabelValues("route").Inc()
            lastErr = err
            continue
        }
        return upd, err
    }
    return model.Route{}, lastErr
}

func (s *Server) addStop(ctx context.Context, tenant, id string, in model.StopIn) (model.Route, error) {
    var lastErr error
    for attempt := 0; attempt < mutateAttempts; attempt++ {
        rt, err := s.Store.GetRoute(ctx, tenant, id)
        if err != nil { return model.Route{}, err }
        prio := in.Priority
        if prio == "" { prio = model.StopMedium }
        rt.Stops = append(rt.Stops, model.Stop{
            ID:                  fmt.Sprintf("stp_%d", len(rt.Stops)+1),
            Address:             in.Address,
            Location:            in.Location,
            CustomerID:          in.CustomerID,
            WasteTypes:          in.WasteTypes,
            EstimatedQuantityKg: in.EstimatedQuantityKg,
            Priority:            prio,
            Note:                in.Note,
        })
        optimizer.Renumber(&rt)
        rt.Metrics = s.routeMetrics(rt.Stops)
        upd, err := s.Store.UpdateRoute(ctx, rt)
        if err == store.ErrConflict {
            metrics.WriteConflicts.WithLabelValues("route").Inc()
            lastErr = err
            continue
        }
        return upd, err
    }
    return model.Route{}, lastErr
}

func (s *Server) patchRoute(ctx context.Context, tenant, id string, name, desc *string, status *model.RouteStatus) (model.Route, error) {
    var lastErr error
    for attempt := 0; attempt < mutateAttempts; attempt++ {
        rt, err := s.Store.GetRoute(ctx, tenant, id)
        if err != nil { return model.Route{}, err }
        if name != nil { rt.Name = *name }
        if desc != nil { rt.Description = *desc }
        if status != nil {
            if err := applyRouteStatus(&rt, *status, time.Now()); err != nil { return model.Route{}, err }
        }
        upd, err := s.Store.UpdateRoute(ctx, rt)
        if err == store.ErrConflict {
            metrics.WriteConflicts.WithLabelValues("route").Inc()
            lastErr = err
            continue
        }
        return upd, err
    }
    return model.Route{}, lastErr
}

var errRouteTransition = errors.New("invalid route transition")

func applyRouteStatus(rt *model.Route, next model.RouteStatus, now time.Time) error {
    switch next {
    case model.RouteActive, model.RouteInactive:
        if rt.Status == model.RouteInProgress || rt.Status == model.RouteCompleted {
            return fmt.Errorf("%w: cannot move %s route back to %s", errRouteTransition, rt.Status, next)
        }
    case model.RouteInProgress:
        if rt.Status != model.RouteActive {
            return fmt.Errorf("%w: only an active route can start, current status %s", errRouteTransition, rt.Status)
        }
        if rt.StartedAt == "" { rt.StartedAt = now.UTC().Format(time.RFC3339) }
    case model.RouteCompleted:
        if rt.Status != model.RouteInProgress {
            return fmt.Errorf("%w: only an in-progress route can complete, current status %s", errRouteTransition, rt.Status)
        }
        if rt.CompletedAt == "" { rt.CompletedAt = now.UTC().Format(time.RFC3339) }
    default:
        return fmt.Errorf("%w: unknown status %s", errRouteTransition, next)
    }
    rt.Status = next
    return nil
}

// VehiclesHandler handles POST/GET /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    switch r.Method {
    case http.MethodPost:
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in model.VehicleIn
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if in.Plate == "" {
            writeProblem(w, http.StatusBadRequest, "Invalid vehicle", "plate required", r.URL.Path)
            return
        }
        v, err := s.Store.CreateVehicle(r.Context(), model.Vehicle{
            TenantID: p.Tenant, Plate: in.Plate, Kind: in.Kind,
            CapacityM3: in.CapacityM3, CapacityKg: in.CapacityKg,
        })
        if err == store.ErrConflict {
            writeProblem(w, http.StatusConflict, "Conflict", "vehicle already registered: "+in.Plate, r.URL.Path)
            return
        }
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create vehicle failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, v)
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListVehicles(r.Context(), p.Tenant, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List vehicles failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// VehicleByIDHandler handles GET /v1/vehicles/{plate} and
// POST /v1/vehicles/{plate}/assign-driver.
func (s *Server) VehicleByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/vehicles/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing plate", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    plate := parts[0]
    p := s.getPrincipal(r)

    if len(parts) > 1 && parts[1] == "assign-driver" {
        if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
        if !p.IsStaff() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var in struct {
            DriverID string `json:"driverId"`
        }
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if in.DriverID == "" {
            writeProblem(w, http.StatusBadRequest, "Invalid assignment", "driverId required", r.URL.Path)
            return
        }
        v, err := s.Coord.AssignVehicleToDriver(r.Context(), p.Tenant, plate, in.DriverID)
        if err != nil { writeDomainError(w, err, "Assign vehicle failed", r.URL.Path); return }
        s.emit(r.Context(), p.Tenant, "vehicle.assigned", map[string]any{"plate": v.Plate, "driverId": v.AssignedDriverID})
        writeJSON(w, http.StatusOK, v)
        return
    }

    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    v, err := s.Store.GetVehicle(r.Context(), p.Tenant, plate)
    if err != nil { writeDomainError(w, err, "Get vehicle failed", r.URL.Path); return }
    writeJSON(w, http.StatusOK, v)
}

// UsersHandler handles POST /v1/users (admin only).
func (s *Server) UsersHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    var in struct {
        ID   string `json:"id,omitempty"`
        Name string `json:"name,omitempty"`
        Role string `json:"role"`
    }
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    switch in.Role {
    case "admin", "dispatcher", "driver", "customer":
    default:
        writeProblem(w, http.StatusBadRequest, "Invalid user", "invalid role: "+in.Role, r.URL.Path)
        return
    }
    u, err := s.Store.CreateUser(r.Context(), model.User{ID: in.ID, TenantID: p.Tenant, Name: in.Name, Role: in.Role})
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Create user failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusCreated, u)
}

// UserByIDHandler handles GET /v1/users/{id}.
func (s *Server) UserByIDHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
    if id == "" || strings.Contains(id, "/") {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    p := s.getPrincipal(r)
    u, err := s.Store.GetUser(r.Context(), p.Tenant, id)
    if err != nil { writeDomainError(w, err, "Get user failed", r.URL.Path); return }
    writeJSON(w, http.StatusOK, u)
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions (admin only).
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if req.URL == "" || len(req.Events) == 0 {
            writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events required", r.URL.Path)
            return
        }
        req.TenantID = p.Tenant
        sub, err := s.Store.CreateSubscription(r.Context(), req)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List subscriptions failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id} (admin only).
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodDelete { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, id); err != nil {
        writeDomainError(w, err, "Delete subscription failed", r.URL.Path)
        return
    }
    w.WriteHeader(204)
}

// EventsStreamHandler streams tenant events over SSE.
func (s *Server) EventsStreamHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    flusher, ok := w.(http.Flusher)
    if !ok { writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path); return }
    w.Header().Set("Content-Type", "text/event-stream")
    w.Header().Set("Cache-Control", "no-cache")
    w.Header().Set("Connection", "keep-alive")
    ch := s.Broker.Subscribe(p.Tenant)
    defer s.Broker.Unsubscribe(p.Tenant, ch)
    // initial heartbeat
    fmt.Fprintf(w, "event: heartbeat\n")
    fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
    flusher.Flush()
    notify := r.Context().Done()
    for {
        select {
        case <-notify:
            return
        case evt := <-ch:
            b, _ := json.Marshal(evt.Data)
            fmt.Fprintf(w, "event: %s\n", evt.Type)
            fmt.Fprintf(w, "data: %s\n\n", string(b))
            flusher.Flush()
        case <-time.After(15 * time.Second):
            fmt.Fprintf(w, "event: heartbeat\n")
            fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
            flusher.Flush()
        }
    }
}

// Admin: webhook deliveries list and retry

func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/webhook-deliveries" { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(405); return }
    status := r.URL.Query().Get("status")
    cursor := r.URL.Query().Get("cursor")
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, status, cursor, limit)
    if err != nil { writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
    if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodPost { w.WriteHeader(405); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
    if err := s.Store.RetryWebhookDelivery(r.Context(), p.Tenant, id); err != nil { writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 202, map[string]int{"accepted": 1})
}

// StatsHandler handles GET /v1/admin/stats (admin only).
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/admin/stats" || r.Method != http.MethodGet { writeProblem(w, 404, "Not Found", "", r.URL.Path); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    reqStats, err := s.Store.RequestStats(r.Context(), p.Tenant)
    if err != nil { writeProblem(w, 500, "Stats failed", err.Error(), r.URL.Path); return }
    rtStats, err := s.Store.RouteStats(r.Context(), p.Tenant)
    if err != nil { writeProblem(w, 500, "Stats failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"requests": reqStats, "routes": rtStats})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping(ctx context.Context) error }
    if pg, ok := s.Store.(pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := pg.Ping(ctx); err != nil { writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path); return }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
