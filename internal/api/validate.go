package api

import (
	"fmt"
	"time"

	"wastenav/internal/model"
)

var validSlots = map[model.TimeSlot]struct{}{
	model.SlotMorning: {}, model.SlotAfternoon: {}, model.SlotEvening: {},
}

var validCategories = map[model.WasteCategory]struct{}{
	model.WasteOrganic: {}, model.WastePlastic: {}, model.WastePaper: {},
	model.WasteGlass: {}, model.WasteMetal: {}, model.WasteEWaste: {},
	model.WasteHazardous: {}, model.WasteMixed: {},
}

var validPriorities = map[model.RequestPriority]struct{}{
	model.PriorityLow: {}, model.PriorityNormal: {}, model.PriorityHigh: {}, model.PriorityUrgent: {},
}

var validStopPriorities = map[model.StopPriority]struct{}{
	model.StopLow: {}, model.StopMedium: {}, model.StopHigh: {}, model.StopUrgent: {},
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func validClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}

func validPoint(p model.GeoPoint) bool {
	return p.Lon >= -180 && p.Lon <= 180 && p.Lat >= -90 && p.Lat <= 90
}

func validateItems(items []model.WasteItem) error {
	if len(items) == 0 {
		return fmt.Errorf("at least one waste item required")
	}
	for i, it := range items {
		if _, ok := validCategories[it.Category]; !ok {
			return fmt.Errorf("items[%d]: unknown category %q", i, it.Category)
		}
		if it.EstimatedWeightKg < 0 {
			return fmt.Errorf("items[%d]: estimatedWeightKg must be >= 0", i)
		}
	}
	return nil
}

func validateRequestIn(in *model.RequestIn) error {
	if in.CustomerID == "" {
		return fmt.Errorf("customerId required")
	}
	if !validDate(in.RequestedDate) {
		return fmt.Errorf("requestedDate must be YYYY-MM-DD")
	}
	if _, ok := validSlots[in.TimeSlot]; !ok {
		return fmt.Errorf("invalid timeSlot: %s", in.TimeSlot)
	}
	if in.PreferredStart != "" && !validClock(in.PreferredStart) {
		return fmt.Errorf("preferredStart must be HH:MM")
	}
	if in.PreferredEnd != "" && !validClock(in.PreferredEnd) {
		return fmt.Errorf("preferredEnd must be HH:MM")
	}
	if err := validateItems(in.Items); err != nil {
		return err
	}
	if !validPoint(in.Location) {
		return fmt.Errorf("location out of range: lon in [-180,180], lat in [-90,90]")
	}
	if in.Priority != "" {
		if _, ok := validPriorities[in.Priority]; !ok {
			return fmt.Errorf("invalid priority: %s", in.Priority)
		}
	}
	return nil
}

func validateRequestPatch(p *model.RequestPatch) error {
	if p.Items != nil {
		if err := validateItems(*p.Items); err != nil {
			return err
		}
	}
	if p.Priority != nil {
		if _, ok := validPriorities[*p.Priority]; !ok {
			return fmt.Errorf("invalid priority: %s", *p.Priority)
		}
	}
	return nil
}

func validateRescheduleIn(in *model.RescheduleIn) error {
	if !validDate(in.NewDate) {
		return fmt.Errorf("newDate must be YYYY-MM-DD")
	}
	if _, ok := validSlots[in.NewTimeSlot]; !ok {
		return fmt.Errorf("invalid newTimeSlot: %s", in.NewTimeSlot)
	}
	return nil
}

func validateRatingIn(in *model.RatingIn) error {
	if in.Rating < 1 || in.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5")
	}
	return nil
}

func validateRouteIn(in *model.RouteIn) error {
	if in.Name == "" {
		return fmt.Errorf("name required")
	}
	if in.StartTime != "" && !validClock(in.StartTime) {
		return fmt.Errorf("startTime must be HH:MM")
	}
	if in.EstimatedDurationMin < 0 {
		return fmt.Errorf("estimatedDurationMin must be >= 0")
	}
	switch in.Frequency {
	case "", "daily", "weekly", "biweekly", "monthly":
	default:
		return fmt.Errorf("invalid frequency: %s", in.Frequency)
	}
	for i, st := range in.Stops {
		if !validPoint(st.Location) {
			return fmt.Errorf("stops[%d]: location out of range", i)
		}
		if st.Priority != "" {
			if _, ok := validStopPriorities[st.Priority]; !ok {
				return fmt.Errorf("stops[%d]: invalid priority %q", i, st.Priority)
			}
		}
		if st.EstimatedQuantityKg < 0 {
			return fmt.Errorf("stops[%d]: estimatedQuantityKg must be >= 0", i)
		}
	}
	return nil
}

func validateCompleteIn(in *model.CompleteRequestIn) error {
	for i, it := range in.Items {
		if _, ok := validCategories[it.Category]; !ok {
			return fmt.Errorf("items[%d]: unknown category %q", i, it.Category)
		}
		if it.EstimatedWeightKg < 0 {
			return fmt.Errorf("items[%d]: weight must be >= 0", i)
		}
	}
	if in.Cost < 0 {
		return fmt.Errorf("cost must be >= 0")
	}
	return nil
}
